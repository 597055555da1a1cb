package service

import (
	"context"
	"log"
	"time"
)

// snapshotLoop saves the attached-indicator set to Redis and SQLite every
// snapshotEvery and whenever the HTTP API changes it.
func (s *Service) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.snapshotReq:
		}
		s.saveSnapshot(ctx)
	}
}

// requestSnapshot asks the loop for an early save. Requests coalesce.
func (s *Service) requestSnapshot() {
	select {
	case s.snapshotReq <- struct{}{}:
	default:
	}
}

func (s *Service) saveSnapshot(ctx context.Context) {
	saved := 0
	for _, st := range s.snapshotStores() {
		if err := s.eng.SaveSnapshot(ctx, st); err != nil {
			log.Printf("[service] snapshot write error: %v", err)
			continue
		}
		saved++
	}
	if saved > 0 {
		log.Printf("[service] checkpoint saved (%d indicators, %d stores)", len(s.eng.Specs()), saved)
	}
}
