package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"taskmanager/internal/domain"
)

const finishTimeout = 5 * time.Second

type PoolConfig struct {
	Workers        int
	PollInterval   time.Duration
	ProcessTimeout time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:        2,
		PollInterval:   time.Second,
		ProcessTimeout: 30 * time.Second,
	}
}

// Pool runs workers that drain a Queue through a Processor. Failed jobs are
// recorded and never retried.
type Pool struct {
	cfg       PoolConfig
	queue     Queue
	processor Processor
	log       logrus.FieldLogger

	mu      sync.Mutex
	wg      *conc.WaitGroup
	cancel  context.CancelFunc
	running bool
}

func NewPool(cfg PoolConfig, q Queue, p Processor, log logrus.FieldLogger) *Pool {
	def := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = def.ProcessTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pool{cfg: cfg, queue: q, processor: p, log: log}
}

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pool is already running")
	}
	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg = conc.NewWaitGroup()
	for i := 0; i < p.cfg.Workers; i++ {
		log := p.log.WithField("worker", i+1)
		p.wg.Go(func() { p.run(workerCtx, log) })
	}
	p.running = true
	p.log.WithField("workers", p.cfg.Workers).Info("notification workers started")
	return nil
}

// Stop cancels the workers and waits for in-flight jobs until ctx expires.
// A job already claimed is processed and recorded before its worker exits.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	wg := p.wg
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("notification workers stopped")
		return nil
	case <-ctx.Done():
		p.log.Warn("timeout waiting for notification workers")
		return ctx.Err()
	}
}

func (p *Pool) run(ctx context.Context, log logrus.FieldLogger) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, err := p.next(ctx, log)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrEmpty) && ctx.Err() == nil {
			log.WithError(err).Error("dequeue notification")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// Drain processes jobs until the queue is empty and returns how many ran.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := p.next(ctx, p.log)
		if errors.Is(err, ErrEmpty) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// next claims and processes one job. Job failures are recorded, not returned.
func (p *Pool) next(ctx context.Context, log logrus.FieldLogger) (domain.Job, error) {
	job, err := p.queue.Dequeue(ctx)
	if err != nil {
		return job, err
	}
	// A claimed job finishes even when the workers are being stopped.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ProcessTimeout)
	defer cancel()
	jobErr := p.processor.Process(jobCtx, job)
	entry := log.WithFields(logrus.Fields{"job_id": job.ID, "task_id": job.TaskID, "action": job.Action})
	if jobErr != nil {
		JobsFailed.WithLabelValues(string(job.Action), failureReason(jobErr)).Inc()
		entry.WithError(jobErr).Error("notification failed")
	} else {
		JobsDelivered.WithLabelValues(string(job.Action)).Inc()
	}
	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancelFinish()
	if err := p.queue.Finish(finishCtx, job, jobErr); err != nil {
		entry.WithError(err).Error("record notification outcome")
	}
	return job, nil
}
