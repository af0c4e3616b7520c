package connmgr

import (
	"context"
	"fmt"

	"github.com/wirenboard/wb-connection-manager/pkg"
	"github.com/wirenboard/wb-connection-manager/pkg/logx"
)

// Activator brings managed connections up and down through the
// connection service, coordinating SIM slot switches for gsm
// connections and enforcing the "more preferred connection wins
// exclusively" policy after a successful activation.
type Activator struct {
	nm     pkg.ConnectionManager
	slots  *SlotCoordinator
	table  *PriorityTable
	logger *logx.Logger
}

// NewActivator creates an activator over the given collaborators.
func NewActivator(nm pkg.ConnectionManager, slots *SlotCoordinator, table *PriorityTable, logger *logx.Logger) *Activator {
	return &Activator{
		nm:     nm,
		slots:  slots,
		table:  table,
		logger: logger,
	}
}

// Activate brings up the named connection and returns its refreshed
// record, whose Interface field is what the caller probes through.
// An already-active connection is returned as-is without a redundant
// activation request. For slot-scoped candidates the SIM slot switch
// must complete before any activation request is issued.
func (a *Activator) Activate(ctx context.Context, id string) (*pkg.ConnectionRecord, error) {
	rec, err := a.nm.FindConnection(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %s", pkg.ErrActivationFailed, id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %q", pkg.ErrConnectionNotFound, id)
	}
	if rec.Active {
		return rec, nil
	}

	if rec.Type == pkg.TypeGSM {
		needsSwitch, err := a.slots.NeedsSwitch(ctx, rec)
		if err != nil {
			return nil, err
		}
		if needsSwitch {
			// Switching SIM slots under an active bearer can wedge the
			// modem service, so other gsm connections come down first.
			a.deactivateActiveGSM(ctx, id)
			if err := a.slots.EnsureSlot(ctx, rec); err != nil {
				return nil, err
			}
		}
	}

	a.logger.Debug("Activating connection", "cn_id", id)
	if err := a.nm.ActivateConnection(ctx, id); err != nil {
		return nil, fmt.Errorf("%w: %q: %s", pkg.ErrActivationFailed, id, err)
	}

	rec, err = a.nm.FindConnection(ctx, id)
	if err != nil || rec == nil || !rec.Active {
		return nil, fmt.Errorf("%w: %q: not active after activation", pkg.ErrActivationFailed, id)
	}
	return rec, nil
}

// Deactivate takes the named connection down. Used for candidates
// that activated but failed their probe.
func (a *Activator) Deactivate(ctx context.Context, id string) error {
	a.logger.Debug("Deactivating connection", "cn_id", id)
	return a.nm.DeactivateConnection(ctx, id)
}

// DeactivateBelow takes down every active managed connection ranked
// below the winner. Failures are logged and never block or reverse
// the winner's activation.
func (a *Activator) DeactivateBelow(ctx context.Context, winnerID string) {
	winnerRank, ok := a.table.Rank(winnerID)
	if !ok {
		return
	}

	recs, err := a.nm.ListConnections(ctx)
	if err != nil {
		a.logger.Warn("Error during connections deactivation", "error", err)
		return
	}
	for _, rec := range recs {
		if !rec.Active {
			continue
		}
		rank, managed := a.table.Rank(rec.ID)
		if !managed || rank <= winnerRank {
			continue
		}
		if err := a.nm.DeactivateConnection(ctx, rec.ID); err != nil {
			a.logger.Warn("Failed to deactivate connection", "cn_id", rec.ID, "error", err)
			continue
		}
		a.logger.InfoState(rec.ID, "Connection deactivated")
	}
}

// deactivateActiveGSM takes down any active gsm connection other than
// the one about to be activated. Best effort.
func (a *Activator) deactivateActiveGSM(ctx context.Context, exceptID string) {
	recs, err := a.nm.ListConnections(ctx)
	if err != nil {
		a.logger.Warn("Error listing connections before slot switch", "error", err)
		return
	}
	for _, rec := range recs {
		if !rec.Active || rec.Type != pkg.TypeGSM || rec.ID == exceptID {
			continue
		}
		a.logger.Debug("Deactivating active gsm connection before slot switch", "cn_id", rec.ID)
		if err := a.nm.DeactivateConnection(ctx, rec.ID); err != nil {
			a.logger.Warn("Failed to deactivate gsm connection", "cn_id", rec.ID, "error", err)
		}
	}
}
