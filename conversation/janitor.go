package conversation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RunJanitor sweeps idle conversations every idle/2 until ctx is done.
// It returns immediately when idle is not positive.
func (s *Store) RunJanitor(ctx context.Context, idle time.Duration, log logrus.FieldLogger) {
	if idle <= 0 {
		return
	}

	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Sweep(idle); removed > 0 {
				log.WithFields(logrus.Fields{
					"removed":   removed,
					"remaining": s.Len(),
				}).Info("Expired idle conversations")
			}
		}
	}
}
