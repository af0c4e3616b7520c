package connmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wirenboard/wb-connection-manager/pkg"
	"github.com/wirenboard/wb-connection-manager/pkg/logx"
)

func newTestSlotCoordinator(mm *mockModemManager) *SlotCoordinator {
	s := NewSlotCoordinator(mm, 50*time.Millisecond, logx.NewLogger("debug", "test"))
	s.PollInterval = time.Millisecond
	return s
}

func TestSlotCoordinator_EnsureSlot(t *testing.T) {
	gsmSlot2 := &pkg.ConnectionRecord{ID: "wb-gsm-sim2", Type: pkg.TypeGSM, SimSlot: 2}

	t.Run("not slot scoped", func(t *testing.T) {
		mm := newMockModemManager(1)
		s := newTestSlotCoordinator(mm)

		eth := &pkg.ConnectionRecord{ID: "wb-eth0", Type: pkg.TypeEthernet, SimSlot: pkg.SimSlotDefault}
		if err := s.EnsureSlot(context.Background(), eth); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		gsmDefault := &pkg.ConnectionRecord{ID: "wb-gsm", Type: pkg.TypeGSM, SimSlot: pkg.SimSlotDefault}
		if err := s.EnsureSlot(context.Background(), gsmDefault); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(mm.setCalls) != 0 {
			t.Errorf("expected no slot switches, got %v", mm.setCalls)
		}
	})

	t.Run("slot already primary", func(t *testing.T) {
		mm := newMockModemManager(2)
		s := newTestSlotCoordinator(mm)

		if err := s.EnsureSlot(context.Background(), gsmSlot2); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(mm.setCalls) != 0 {
			t.Errorf("expected no slot switches, got %v", mm.setCalls)
		}
	})

	t.Run("immediate switch", func(t *testing.T) {
		mm := newMockModemManager(1)
		s := newTestSlotCoordinator(mm)

		if err := s.EnsureSlot(context.Background(), gsmSlot2); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(mm.setCalls) != 1 || mm.setCalls[0] != 2 {
			t.Errorf("expected single switch to 2, got %v", mm.setCalls)
		}
	})

	t.Run("delayed convergence", func(t *testing.T) {
		mm := newMockModemManager(1)
		mm.switchDelay = 3 // the switch is observed on the third poll
		s := newTestSlotCoordinator(mm)

		if err := s.EnsureSlot(context.Background(), gsmSlot2); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if slot, _ := mm.GetPrimarySimSlot(context.Background()); slot != 2 {
			t.Errorf("expected slot 2 after convergence, got %d", slot)
		}
	})

	t.Run("switch never converges", func(t *testing.T) {
		mm := newMockModemManager(1)
		mm.converge = false
		s := newTestSlotCoordinator(mm)

		err := s.EnsureSlot(context.Background(), gsmSlot2)
		if !errors.Is(err, pkg.ErrSlotSwitchFailed) {
			t.Fatalf("expected ErrSlotSwitchFailed, got %v", err)
		}
	})

	t.Run("switch request rejected", func(t *testing.T) {
		mm := newMockModemManager(1)
		mm.setErr = errors.New("modem busy")
		s := newTestSlotCoordinator(mm)

		err := s.EnsureSlot(context.Background(), gsmSlot2)
		if !errors.Is(err, pkg.ErrSlotSwitchFailed) {
			t.Fatalf("expected ErrSlotSwitchFailed, got %v", err)
		}
	})
}
