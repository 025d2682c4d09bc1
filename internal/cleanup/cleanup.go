// Package cleanup implements the periodic session and advertisement
// sweeper (spec §4.7): a ticker-driven background worker that removes
// sessions past their timeout, aborts sessions stuck mid-round, and
// purges expired advertisements from the discovery cache.
//
// Grounded on the teacher's RetryWorker (internal/node/retry_worker.go):
// same dual-ticker shape (one tick for the main sweep, one for a
// lower-frequency secondary sweep), same cancel-context Stop, same
// "run once on startup, then on every tick" pattern. Generalized from
// outbox/inbox message retention to session and advertisement
// lifecycle.
package cleanup

import (
	"context"
	"time"

	"github.com/lotusia/musigcoord/internal/coordinator"
	"github.com/lotusia/musigcoord/internal/discovery"
	"github.com/lotusia/musigcoord/internal/session"
	"github.com/lotusia/musigcoord/pkg/logging"
)

// Config configures the sweeper (spec §6 defaults: cleanupInterval
// 1 minute, sessionTimeout and stuckSessionTimeout both 10 minutes).
type Config struct {
	Interval            time.Duration
	SessionTimeout      time.Duration
	StuckSessionTimeout time.Duration
}

// DefaultConfig mirrors spec §6's named defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            time.Minute,
		SessionTimeout:      10 * time.Minute,
		StuckSessionTimeout: 10 * time.Minute,
	}
}

// SessionRemover is implemented by the coordinator engine: anything
// that can enumerate its live sessions and drop one by id.
type SessionRemover interface {
	Sessions() []*session.Session
	RemoveSession(id string)
}

// FailoverCapable is implemented by engines that support handing a
// stuck session's coordinator role to the next signer in rotation.
// Checked with a type assertion so a SessionRemover that doesn't
// support failover still works — a stuck session just gets aborted
// instead.
type FailoverCapable interface {
	AttemptCoordinatorFailover(ctx context.Context, sessionID string) error
}

// Sweeper is the background worker driving periodic cleanup.
type Sweeper struct {
	cfg     Config
	engine  SessionRemover
	adCache *discovery.Cache
	log     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Sweeper. adCache may be nil if discovery is not in
// use by this node.
func New(engine SessionRemover, adCache *discovery.Cache, cfg Config) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		cfg:     cfg,
		engine:  engine,
		adCache: adCache,
		log:     logging.GetDefault().Component("cleanup"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the sweep loop in a background goroutine.
func (s *Sweeper) Start() {
	go s.run()
	s.log.Info("cleanup sweeper started", "interval", s.cfg.Interval)
}

// Stop cancels the loop and blocks until it exits, so remaining
// sessions can be drained deterministically before process exit.
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.done
	s.drainRemainingSessions()
	s.log.Info("cleanup sweeper stopped")
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.sweep()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	now := time.Now()
	s.sweepSessions(now)
	if s.adCache != nil {
		removed := s.adCache.PurgeExpired(now)
		if removed > 0 {
			s.log.Debug("purged expired advertisements", "count", removed)
		}
	}
}

func (s *Sweeper) sweepSessions(now time.Time) {
	if s.engine == nil {
		return
	}
	for _, sess := range s.engine.Sessions() {
		age := now.Sub(sess.UpdatedAt())
		phase := sess.Phase()

		switch {
		case phase == session.PhaseComplete || phase == session.PhaseAborted:
			if now.Sub(sess.CreatedAt()) > s.cfg.SessionTimeout {
				s.engine.RemoveSession(sess.ID())
			}
		case (phase == session.PhaseNonceExchange || phase == session.PhasePartialSigExchange) &&
			age > s.cfg.StuckSessionTimeout:
			if fc, ok := s.engine.(FailoverCapable); ok {
				if err := fc.AttemptCoordinatorFailover(s.ctx, sess.ID()); err == nil {
					continue
				} else {
					s.log.Debug("coordinator failover unavailable, aborting stuck session", "session", sess.ID(), "error", err)
				}
			}
			if err := sess.Abort("stuck timeout: no progress within the configured window"); err != nil {
				s.log.Warn("failed aborting stuck session", "session", sess.ID(), "error", err)
			}
		case now.Sub(sess.CreatedAt()) > s.cfg.SessionTimeout:
			if err := sess.Abort("session timeout"); err != nil {
				s.log.Warn("failed aborting timed-out session", "session", sess.ID(), "error", err)
			}
		}
	}
}

// drainRemainingSessions aborts and zeroizes every session still live at
// shutdown time, per spec §4.7's shutdown sequence.
func (s *Sweeper) drainRemainingSessions() {
	if s.engine == nil {
		return
	}
	for _, sess := range s.engine.Sessions() {
		phase := sess.Phase()
		if phase != session.PhaseComplete && phase != session.PhaseAborted {
			_ = sess.Abort("node shutting down")
		}
	}
}

var _ SessionRemover = (*coordinator.Engine)(nil)
