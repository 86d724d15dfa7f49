package repo

import (
	"context"
	"time"
)

// BlacklistToken records a revoked refresh token by its jti. Re-blacklisting is a no-op.
func (r Repo) BlacklistToken(ctx context.Context, jti string, userID int64, expiresAt time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO token_blacklist(jti, user_id, expires_at, blacklisted_at) VALUES (?,?,?,?)`,
		jti, userID, formatTime(expiresAt), formatTime(r.now()))
	return err
}

func (r Repo) IsTokenBlacklisted(ctx context.Context, jti string) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM token_blacklist WHERE jti=? LIMIT 1`, jti)
}

// PurgeExpiredTokens drops blacklist entries whose tokens expired before now.
func (r Repo) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM token_blacklist WHERE expires_at<?`, formatTime(r.now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
