package ipc

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PendingSweeper periodically walks every RoutedChannel in a Registry and
// logs PendingMessages that have sat unclaimed past a threshold --
// surfacing registration-race bugs (a peer writing to a pipe whose local
// AddRoute never arrives) instead of leaving them to leak silently until
// the channel is destroyed. Grounded on SessionManagerV2's
// cleanupWorker/cleanupExpiredSessions ticker shape; unlike that sweep,
// this one never forcibly closes anything -- pending-message ownership is
// explicit per spec.md section 5, so the sweep only logs.
type PendingSweeper struct {
	registry  *Registry
	threshold time.Duration
	interval  time.Duration
	log       zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPendingSweeper creates a sweeper over registry. It does not start
// until Start is called.
func NewPendingSweeper(registry *Registry, interval, threshold time.Duration) *PendingSweeper {
	return &PendingSweeper{
		registry:  registry,
		threshold: threshold,
		interval:  interval,
		log:       log.With().Str("component", "PendingSweeper").Logger(),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (s *PendingSweeper) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *PendingSweeper) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *PendingSweeper) sweepOnce() {
	total := 0
	for _, rc := range s.registry.Channels() {
		total += rc.StalePending(s.threshold)
	}
	if total > 0 {
		s.log.Warn().Int("total_stale", total).Msg("[PendingSweeper] stale pending messages across registry")
	}
}

// Stop halts the sweep goroutine and waits for it to exit.
func (s *PendingSweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}
