package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openmx/identityd/internal/repository"
	"github.com/openmx/identityd/internal/service"
)

// SessionRetention is how long a validation session is kept after its last
// activity. Sessions expire for clients long before this; the extra margin
// keeps recently referenced rows around for debugging.
const SessionRetention = 5 * service.SessionValidLifetime

type CleanupJob struct {
	sessionRepo repository.ValidationSessionRepository
	interval    time.Duration
	done        chan struct{}
}

func NewCleanupJob(sessionRepo repository.ValidationSessionRepository, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		sessionRepo: sessionRepo,
		interval:    interval,
		done:        make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-SessionRetention).UnixMilli()
	count, err := j.sessionRepo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("failed to cleanup validation sessions")
	} else if count > 0 {
		log.Info().Int64("count", count).Msg("cleaned up validation sessions")
	}
}
