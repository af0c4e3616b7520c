package connmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wirenboard/wb-connection-manager/pkg"
	"github.com/wirenboard/wb-connection-manager/pkg/logx"
)

func newTestActivator(t *testing.T, nm *mockConnectionManager, mm *mockModemManager) *Activator {
	t.Helper()
	table, err := NewPriorityTable([]string{"wb-eth1", "wb-gsm-sim1", "wb-gsm-sim2"})
	if err != nil {
		t.Fatalf("NewPriorityTable() failed: %v", err)
	}
	logger := logx.NewLogger("debug", "test")
	slots := NewSlotCoordinator(mm, 50*time.Millisecond, logger)
	slots.PollInterval = time.Millisecond
	return NewActivator(nm, slots, table, logger)
}

func threeConnections() *mockConnectionManager {
	return newMockConnectionManager(
		&pkg.ConnectionRecord{ID: "wb-eth1", Type: pkg.TypeEthernet, SimSlot: pkg.SimSlotDefault, Interface: "eth1"},
		&pkg.ConnectionRecord{ID: "wb-gsm-sim1", Type: pkg.TypeGSM, SimSlot: 1, Interface: "ppp0"},
		&pkg.ConnectionRecord{ID: "wb-gsm-sim2", Type: pkg.TypeGSM, SimSlot: 2, Interface: "ppp1"},
	)
}

func TestActivator_Activate(t *testing.T) {
	t.Run("ethernet", func(t *testing.T) {
		nm := threeConnections()
		mm := newMockModemManager(1)
		a := newTestActivator(t, nm, mm)

		rec, err := a.Activate(context.Background(), "wb-eth1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !rec.Active || rec.Interface != "eth1" {
			t.Errorf("unexpected record after activation: %+v", rec)
		}
		if len(mm.setCalls) != 0 {
			t.Errorf("ethernet activation must not touch the modem, got %v", mm.setCalls)
		}
	})

	t.Run("already active is idempotent", func(t *testing.T) {
		nm := threeConnections()
		nm.find("wb-eth1").Active = true
		a := newTestActivator(t, nm, newMockModemManager(1))

		rec, err := a.Activate(context.Background(), "wb-eth1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !rec.Active {
			t.Error("expected record to be active")
		}
		for _, call := range nm.callLog() {
			if call == "activate:wb-eth1" {
				t.Errorf("redundant activation request issued: %v", nm.callLog())
			}
		}
	})

	t.Run("unknown connection", func(t *testing.T) {
		a := newTestActivator(t, threeConnections(), newMockModemManager(1))

		_, err := a.Activate(context.Background(), "wb-eth1-missing")
		if !errors.Is(err, pkg.ErrConnectionNotFound) {
			t.Fatalf("expected ErrConnectionNotFound, got %v", err)
		}
	})

	t.Run("gsm switches slot first", func(t *testing.T) {
		nm := threeConnections()
		mm := newMockModemManager(1)
		a := newTestActivator(t, nm, mm)

		rec, err := a.Activate(context.Background(), "wb-gsm-sim2")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !rec.Active || rec.Interface != "ppp1" {
			t.Errorf("unexpected record after activation: %+v", rec)
		}
		if len(mm.setCalls) != 1 || mm.setCalls[0] != 2 {
			t.Errorf("expected slot switch to 2 before activation, got %v", mm.setCalls)
		}
	})

	t.Run("gsm deactivates sibling bearer before slot switch", func(t *testing.T) {
		nm := threeConnections()
		nm.find("wb-gsm-sim1").Active = true
		mm := newMockModemManager(1)
		a := newTestActivator(t, nm, mm)

		if _, err := a.Activate(context.Background(), "wb-gsm-sim2"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// deactivate:wb-gsm-sim1 must come before activate:wb-gsm-sim2.
		calls := nm.callLog()
		deactivated, order := -1, -1
		for i, call := range calls {
			switch call {
			case "deactivate:wb-gsm-sim1":
				deactivated = i
			case "activate:wb-gsm-sim2":
				order = i
			}
		}
		if deactivated == -1 || order == -1 || deactivated > order {
			t.Errorf("expected sibling deactivation before activation, got %v", calls)
		}
	})

	t.Run("gsm without slot switch leaves siblings alone", func(t *testing.T) {
		nm := threeConnections()
		nm.find("wb-gsm-sim1").Active = true
		mm := newMockModemManager(2) // wanted slot already primary
		a := newTestActivator(t, nm, mm)

		if _, err := a.Activate(context.Background(), "wb-gsm-sim2"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !nm.isActive("wb-gsm-sim1") {
			t.Error("no slot switch needed, sibling bearer must stay up")
		}
		if len(mm.setCalls) != 0 {
			t.Errorf("expected no slot switch, got %v", mm.setCalls)
		}
	})

	t.Run("slot switch failure aborts", func(t *testing.T) {
		nm := threeConnections()
		mm := newMockModemManager(1)
		mm.converge = false
		a := newTestActivator(t, nm, mm)

		_, err := a.Activate(context.Background(), "wb-gsm-sim2")
		if !errors.Is(err, pkg.ErrSlotSwitchFailed) {
			t.Fatalf("expected ErrSlotSwitchFailed, got %v", err)
		}
		for _, call := range nm.callLog() {
			if call == "activate:wb-gsm-sim2" {
				t.Errorf("activation request issued after failed slot switch: %v", nm.callLog())
			}
		}
	})

	t.Run("activation request fails", func(t *testing.T) {
		nm := threeConnections()
		nm.activateErr["wb-eth1"] = errors.New("device missing")
		a := newTestActivator(t, nm, newMockModemManager(1))

		_, err := a.Activate(context.Background(), "wb-eth1")
		if !errors.Is(err, pkg.ErrActivationFailed) {
			t.Fatalf("expected ErrActivationFailed, got %v", err)
		}
	})
}

func TestActivator_DeactivateBelow(t *testing.T) {
	t.Run("takes down lower ranked only", func(t *testing.T) {
		nm := threeConnections()
		nm.find("wb-eth1").Active = true
		nm.find("wb-gsm-sim2").Active = true
		a := newTestActivator(t, nm, newMockModemManager(1))

		a.DeactivateBelow(context.Background(), "wb-eth1")

		if !nm.isActive("wb-eth1") {
			t.Error("winner must stay active")
		}
		if nm.isActive("wb-gsm-sim2") {
			t.Error("lower ranked connection must be deactivated")
		}
	})

	t.Run("failures do not stop the sweep", func(t *testing.T) {
		nm := threeConnections()
		nm.find("wb-gsm-sim1").Active = true
		nm.find("wb-gsm-sim2").Active = true
		nm.deactivateErr["wb-gsm-sim1"] = errors.New("busy")
		a := newTestActivator(t, nm, newMockModemManager(1))

		a.DeactivateBelow(context.Background(), "wb-eth1")

		if nm.isActive("wb-gsm-sim2") {
			t.Error("sweep must continue past a failed deactivation")
		}
	})

	t.Run("unmanaged connections untouched", func(t *testing.T) {
		nm := threeConnections()
		nm.records = append(nm.records,
			&pkg.ConnectionRecord{ID: "wb-wifi-client", Type: pkg.TypeWiFi, SimSlot: pkg.SimSlotDefault, Active: true, Interface: "wlan0"})
		a := newTestActivator(t, nm, newMockModemManager(1))

		a.DeactivateBelow(context.Background(), "wb-eth1")

		if !nm.isActive("wb-wifi-client") {
			t.Error("connections outside the priority table must never be deactivated")
		}
	})
}
