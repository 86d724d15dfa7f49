package domain

// Opt is a field that may or may not be present in a partial update.
// The zero value is absent.
type Opt[T any] struct {
	set   bool
	value T
}

func Some[T any](v T) Opt[T] {
	return Opt[T]{set: true, value: v}
}

func (o Opt[T]) IsSet() bool { return o.set }

func (o Opt[T]) Get() (T, bool) {
	return o.value, o.set
}
