package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/csta-portal-api/pkg/errors"
)

type expiredSessionDeleter interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// SessionPruner removes expired session rows. Authenticate already refuses
// them; pruning only keeps the table small.
type SessionPruner struct {
	sessions expiredSessionDeleter
	logger   *zap.Logger
	now      func() time.Time
}

// NewSessionPruner constructs a SessionPruner.
func NewSessionPruner(sessions expiredSessionDeleter, logger *zap.Logger) *SessionPruner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionPruner{sessions: sessions, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Prune deletes sessions that expired before now.
func (p *SessionPruner) Prune(ctx context.Context) (int64, error) {
	n, err := p.sessions.DeleteExpired(ctx, p.now())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to prune sessions")
	}
	return n, nil
}

// Run prunes every interval until ctx is cancelled.
func (p *SessionPruner) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Prune(ctx)
			if err != nil {
				p.logger.Warn("session prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				p.logger.Info("expired sessions pruned", zap.Int64("count", n))
			}
		}
	}
}
