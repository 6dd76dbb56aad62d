package gateway

import (
	"time"

	"github.com/robfig/cron/v3"
)

// sweeper runs the periodic maintenance passes: rate-limit window
// pruning, dedupe eviction and chat-run timeout expiry. Sweeps touch
// each registry under its own short-lived lock, never a per-connection
// lock.
type sweeper struct {
	server *Server
	cron   *cron.Cron
}

func newSweeper(s *Server) *sweeper {
	return &sweeper{
		server: s,
		cron:   cron.New(),
	}
}

func (sw *sweeper) start() {
	// Registration errors only happen for bad specs, which are
	// compile-time constants here.
	_, _ = sw.cron.AddFunc("@every 30s", sw.sweepLimiter) //nolint:errcheck
	_, _ = sw.cron.AddFunc("@every 1m", sw.sweepDedupe)   //nolint:errcheck
	_, _ = sw.cron.AddFunc("@every 15s", sw.sweepRuns)    //nolint:errcheck
	sw.cron.Start()
}

func (sw *sweeper) stop() {
	ctx := sw.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
}

func (sw *sweeper) sweepLimiter() {
	sw.server.limiter.Prune()
}

func (sw *sweeper) sweepDedupe() {
	sw.server.dedupe.Sweep()
}

func (sw *sweeper) sweepRuns() {
	if expired := sw.server.chat.ExpireStale(time.Now()); expired > 0 {
		sw.server.logger.Info("expired stale chat runs", "count", expired)
	}
}
