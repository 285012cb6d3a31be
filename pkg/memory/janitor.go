package memory

import (
	"context"
	"time"
)

// Prune removes entries older than the retention period from every
// conversation and returns the number removed.
func (s *Store) Prune() int {
	if s.retentionDays <= 0 {
		return 0
	}
	var removed int
	for _, id := range s.ConversationIDs() {
		removed += s.CleanupOldEntries(id, s.retentionDays)
	}
	if removed > 0 {
		s.logger.Info("Memory pruned", "removed", removed, "retentionDays", s.retentionDays)
	}
	return removed
}

// RunJanitor calls Prune every interval until ctx is done.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Prune()
		}
	}
}
