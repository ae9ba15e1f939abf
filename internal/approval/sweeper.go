package approval

import (
	"context"
	"time"

	"github.com/felixgeelhaar/flotilla/internal/log"
)

// Sweeper periodically expires abandoned requests and prunes old ones
type Sweeper struct {
	Store *Store
	// Interval between sweeps
	Interval time.Duration
	// HeartbeatTimeout expires PENDING requests not heartbeated for this long
	HeartbeatTimeout time.Duration
	// RetentionDays deletes terminal requests older than this; 0 disables cleanup
	RetentionDays int
	Logger        *log.Logger
}

// Sweep runs one maintenance pass
func (s *Sweeper) Sweep(ctx context.Context) (expired, deleted int64, err error) {
	if s.HeartbeatTimeout > 0 {
		expired, err = s.Store.ExpireStale(ctx, s.HeartbeatTimeout)
		if err != nil {
			return 0, 0, err
		}
	}
	if s.RetentionDays > 0 {
		deleted, err = s.Store.Cleanup(ctx, s.RetentionDays)
		if err != nil {
			return expired, 0, err
		}
	}
	return expired, deleted, nil
}

// Run sweeps every Interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	logger := log.OrDefault(s.Logger).WithComponent("approval-sweeper")
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		expired, deleted, err := s.Sweep(ctx)
		if err != nil {
			logger.WithError(err).Warn("approval sweep failed")
		} else if expired > 0 || deleted > 0 {
			logger.Info("approval sweep", "expired", expired, "deleted", deleted)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
