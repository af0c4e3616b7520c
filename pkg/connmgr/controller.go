package connmgr

import (
	"context"
	"sync"
	"time"

	"github.com/wirenboard/wb-connection-manager/pkg"
	"github.com/wirenboard/wb-connection-manager/pkg/logx"
	"github.com/wirenboard/wb-connection-manager/pkg/telem"
)

// Options holds the controller timing knobs.
type Options struct {
	// CheckPeriod is the probe cycle interval.
	CheckPeriod time.Duration
	// PromotionPeriod is the promotion cycle interval.
	PromotionPeriod time.Duration
	// ActivationRetry damps repeated activation attempts: a candidate
	// whose activation was attempted more recently than this is
	// skipped during walks. Zero disables damping.
	ActivationRetry time.Duration
}

// ControllerState is the process-wide mutable state owned exclusively
// by the controller loop.
type ControllerState struct {
	ActiveID    string      `json:"active_id"`
	LastVerdict pkg.Verdict `json:"last_verdict"`
}

// Controller ties the priority table, prober, activator and slot
// coordinator together into the failover state machine: a probe cycle
// that cascades down the table when connectivity is lost, and a
// promotion cycle that climbs back up when a more preferred
// connection becomes usable again.
type Controller struct {
	table     *PriorityTable
	activator *Activator
	prober    pkg.Prober
	nm        pkg.ConnectionManager
	store     *telem.Store
	logger    *logx.Logger
	opts      Options

	// walkMu serializes the probe and promotion cycles; at most one
	// walk is in flight at any time.
	walkMu sync.Mutex

	// stateMu guards snapshots for logging/telemetry. The walk is the
	// only writer.
	stateMu sync.RWMutex
	state   ControllerState

	lastAttempt map[string]time.Time
}

// NewController creates a controller. store may be nil.
func NewController(table *PriorityTable, activator *Activator, prober pkg.Prober, nm pkg.ConnectionManager, store *telem.Store, opts Options, logger *logx.Logger) *Controller {
	return &Controller{
		table:       table,
		activator:   activator,
		prober:      prober,
		nm:          nm,
		store:       store,
		logger:      logger,
		opts:        opts,
		lastAttempt: make(map[string]time.Time),
	}
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() ControllerState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Run drives the two periodic cycles until the context is canceled.
// An in-progress walk finishes its current candidate before the loop
// observes cancellation.
func (c *Controller) Run(ctx context.Context) {
	c.logger.Info("Starting failover control loop",
		"connections", c.table.IDs(),
		"check_period", c.opts.CheckPeriod.String(),
		"promotion_period", c.opts.PromotionPeriod.String())

	probeTicker := time.NewTicker(c.opts.CheckPeriod)
	promotionTicker := time.NewTicker(c.opts.PromotionPeriod)
	defer probeTicker.Stop()
	defer promotionTicker.Stop()

	// Derive initial state right away instead of idling until the
	// first tick.
	c.ProbeCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Failover control loop stopped")
			return
		case <-probeTicker.C:
			c.ProbeCycle(ctx)
		case <-promotionTicker.C:
			c.PromotionCycle(ctx)
		}
	}
}

// ProbeCycle verifies the active connection and cascades down the
// table when it is unusable. With no active connection it performs
// the same downward walk from the top of the table.
func (c *Controller) ProbeCycle(ctx context.Context) {
	c.walkMu.Lock()
	defer c.walkMu.Unlock()

	active := c.state.ActiveID
	if active == "" {
		winner, found := c.walk(ctx, 0, c.table.Len())
		if found {
			c.recordEvent(&pkg.Event{Type: pkg.EventFailover, To: winner, Reason: "initial activation"})
		} else {
			c.logger.Debug("No usable connection found, will retry next cycle")
		}
		return
	}

	verdict := c.probeActive(ctx, active)
	if verdict == pkg.VerdictUsable {
		c.setState(active, pkg.VerdictUsable)
		c.logger.InfoState(active, "Connection is active")
		return
	}

	// Degrading: drop the failed connection and walk downward from
	// the rank just below it.
	c.logger.InfoState(active, "Connection has limited connectivity")
	c.setState(active, pkg.VerdictUnusable)
	c.recordEvent(&pkg.Event{Type: pkg.EventDegraded, From: active, Reason: "probe failed"})
	if err := c.activator.Deactivate(ctx, active); err != nil {
		c.logger.Warn("Failed to deactivate unusable connection", "cn_id", active, "error", err)
	}

	rank, _ := c.table.Rank(active)
	winner, found := c.walk(ctx, rank+1, c.table.Len())
	if found {
		c.recordEvent(&pkg.Event{Type: pkg.EventFailover, From: active, To: winner})
		return
	}

	// Exhausted: back to Unknown, retried from the top every probe
	// cycle until something becomes usable.
	c.setState("", pkg.VerdictUnknown)
	c.recordEvent(&pkg.Event{Type: pkg.EventExhausted, From: active, Reason: "no usable connection"})
	c.logger.Warn("All connections exhausted, no usable connection", "last_active", active)
}

// PromotionCycle attempts to climb to a more preferred usable
// connection. Only acts when a non-top connection is active; the
// current connection is left untouched unless a better one probes
// usable.
func (c *Controller) PromotionCycle(ctx context.Context) {
	c.walkMu.Lock()
	defer c.walkMu.Unlock()

	active := c.state.ActiveID
	if active == "" {
		return
	}
	rank, ok := c.table.Rank(active)
	if !ok || rank == 0 {
		return
	}

	c.logger.Debug("Trying to restore a more preferred connection", "current", active, "current_rank", rank)
	winner, found := c.walk(ctx, 0, rank)
	if found {
		c.recordEvent(&pkg.Event{Type: pkg.EventPromotion, From: active, To: winner})
	}
}

// walk visits table ranks in [start, end) strictly in priority order,
// activating and probing each candidate until one probes usable. The
// winner's activation triggers best-effort deactivation of every
// active lower-ranked connection. Every error below the configuration
// level is absorbed here and advances the walk.
func (c *Controller) walk(ctx context.Context, start, end int) (string, bool) {
	for rank := start; rank < end; rank++ {
		if ctx.Err() != nil {
			return "", false
		}
		desc := c.table.At(rank)

		if !c.timeToActivate(desc.ID) {
			c.logger.Debug("Skipping candidate, activation attempted recently", "cn_id", desc.ID)
			continue
		}
		c.lastAttempt[desc.ID] = time.Now()

		rec, err := c.activator.Activate(ctx, desc.ID)
		if err != nil {
			c.logger.Warn("Candidate activation failed", "cn_id", desc.ID, "error", err)
			continue
		}

		verdict := c.probe(ctx, desc.ID, rec.Interface)
		if verdict != pkg.VerdictUsable {
			c.logger.InfoState(desc.ID, "Connection has limited connectivity")
			if err := c.activator.Deactivate(ctx, desc.ID); err != nil {
				c.logger.Warn("Failed to deactivate unusable candidate", "cn_id", desc.ID, "error", err)
			}
			continue
		}

		c.setState(desc.ID, pkg.VerdictUsable)
		c.logger.InfoState(desc.ID, "Connection is active")
		c.activator.DeactivateBelow(ctx, desc.ID)
		return desc.ID, true
	}
	return "", false
}

// probeActive re-checks the currently active connection. A connection
// that the service no longer reports as active counts as unusable.
func (c *Controller) probeActive(ctx context.Context, id string) pkg.Verdict {
	rec, err := c.nm.FindConnection(ctx, id)
	if err != nil {
		c.logger.Warn("Error checking active connection", "cn_id", id, "error", err)
		return pkg.VerdictUnusable
	}
	if rec == nil || !rec.Active {
		c.logger.Debug("Active connection is gone", "cn_id", id)
		return pkg.VerdictUnusable
	}
	return c.probe(ctx, id, rec.Interface)
}

func (c *Controller) probe(ctx context.Context, id, iface string) pkg.Verdict {
	start := time.Now()
	verdict := c.prober.Probe(ctx, iface)
	if c.store != nil {
		c.store.AddSample(id, verdict, time.Since(start))
	}
	return verdict
}

// timeToActivate implements the activation retry damping: a candidate
// attempted more recently than ActivationRetry is skipped so a dead
// modem is not hammered every probe cycle.
func (c *Controller) timeToActivate(id string) bool {
	if c.opts.ActivationRetry <= 0 {
		return true
	}
	last, ok := c.lastAttempt[id]
	if !ok {
		return true
	}
	return time.Since(last) >= c.opts.ActivationRetry
}

func (c *Controller) setState(id string, verdict pkg.Verdict) {
	c.stateMu.Lock()
	c.state.ActiveID = id
	c.state.LastVerdict = verdict
	c.stateMu.Unlock()
}

func (c *Controller) recordEvent(e *pkg.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if c.store != nil {
		c.store.AddEvent(e)
	}
}
