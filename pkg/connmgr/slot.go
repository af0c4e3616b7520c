package connmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/wirenboard/wb-connection-manager/pkg"
	"github.com/wirenboard/wb-connection-manager/pkg/logx"
)

// SlotCoordinator ensures the modem's primary SIM slot matches what a
// slot-scoped connection requires before it is activated. Setting the
// slot is not immediate, so the coordinator polls the modem service
// until the switch is observed or its wait budget runs out.
type SlotCoordinator struct {
	mm     pkg.ModemManager
	logger *logx.Logger

	// PollInterval and MaxWait bound the post-switch polling. The
	// loop always terminates within MaxWait regardless of outer
	// cancellation, so no candidate is left slot-switch-pending.
	PollInterval time.Duration
	MaxWait      time.Duration
}

// NewSlotCoordinator creates a coordinator with the given wait budget.
func NewSlotCoordinator(mm pkg.ModemManager, maxWait time.Duration, logger *logx.Logger) *SlotCoordinator {
	return &SlotCoordinator{
		mm:           mm,
		logger:       logger,
		PollInterval: time.Second,
		MaxWait:      maxWait,
	}
}

// NeedsSwitch reports whether activating the record requires a SIM
// slot switch first.
func (s *SlotCoordinator) NeedsSwitch(ctx context.Context, rec *pkg.ConnectionRecord) (bool, error) {
	if !rec.SlotScoped() {
		return false, nil
	}
	current, err := s.mm.GetPrimarySimSlot(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: reading primary slot: %s", pkg.ErrSlotSwitchFailed, err)
	}
	return current != rec.SimSlot, nil
}

// EnsureSlot makes the record's SIM slot primary. It is a no-op for
// connections that are not slot-scoped. On failure the candidate must
// not be activated.
func (s *SlotCoordinator) EnsureSlot(ctx context.Context, rec *pkg.ConnectionRecord) error {
	if !rec.SlotScoped() {
		return nil
	}

	current, err := s.mm.GetPrimarySimSlot(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading primary slot: %s", pkg.ErrSlotSwitchFailed, err)
	}
	if current == rec.SimSlot {
		s.logger.Debug("SIM slot already primary", "cn_id", rec.ID, "slot", rec.SimSlot)
		return nil
	}

	s.logger.Info("Switching primary SIM slot", "cn_id", rec.ID, "from", current, "to", rec.SimSlot)
	if err := s.mm.SetPrimarySimSlot(ctx, rec.SimSlot); err != nil {
		return fmt.Errorf("%w: requesting slot %d: %s", pkg.ErrSlotSwitchFailed, rec.SimSlot, err)
	}

	deadline := time.Now().Add(s.MaxWait)
	for time.Now().Before(deadline) {
		time.Sleep(s.PollInterval)
		current, err = s.mm.GetPrimarySimSlot(ctx)
		if err != nil {
			// The modem service recreates the modem object during a
			// slot switch, so transient errors are expected here.
			s.logger.Debug("Error while waiting for slot switch", "cn_id", rec.ID, "error", err)
			continue
		}
		if current == rec.SimSlot {
			s.logger.Debug("SIM slot switch completed", "cn_id", rec.ID, "slot", rec.SimSlot)
			return nil
		}
	}

	return fmt.Errorf("%w: slot %d not primary after %s", pkg.ErrSlotSwitchFailed, rec.SimSlot, s.MaxWait)
}
