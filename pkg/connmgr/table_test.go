package connmgr

import (
	"errors"
	"testing"

	"github.com/wirenboard/wb-connection-manager/pkg"
)

func TestNewPriorityTable(t *testing.T) {
	t.Run("valid table", func(t *testing.T) {
		table, err := NewPriorityTable([]string{"wb-eth0", "wb-eth1", "wb-gsm-sim1"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if table.Len() != 3 {
			t.Errorf("expected Len() == 3, got %d", table.Len())
		}
		if d := table.At(1); d.ID != "wb-eth1" || d.Rank != 1 {
			t.Errorf("unexpected descriptor at rank 1: %+v", d)
		}
		if rank, ok := table.Rank("wb-gsm-sim1"); !ok || rank != 2 {
			t.Errorf("expected rank 2 for wb-gsm-sim1, got %d (ok=%v)", rank, ok)
		}
		if _, ok := table.Rank("wb-wifi"); ok {
			t.Error("unmanaged id must not resolve to a rank")
		}
	})

	t.Run("empty list", func(t *testing.T) {
		if _, err := NewPriorityTable(nil); !errors.Is(err, pkg.ErrNotConfigured) {
			t.Errorf("expected ErrNotConfigured, got %v", err)
		}
	})

	t.Run("empty id", func(t *testing.T) {
		if _, err := NewPriorityTable([]string{"wb-eth0", ""}); !errors.Is(err, pkg.ErrNotConfigured) {
			t.Errorf("expected ErrNotConfigured, got %v", err)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		if _, err := NewPriorityTable([]string{"wb-eth0", "wb-eth0"}); !errors.Is(err, pkg.ErrNotConfigured) {
			t.Errorf("expected ErrNotConfigured, got %v", err)
		}
	})
}

func TestPriorityTable_IDs(t *testing.T) {
	ids := []string{"wb-eth0", "wb-gsm-sim1", "wb-gsm-sim2"}
	table, err := NewPriorityTable(ids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := table.IDs()
	if len(got) != len(ids) {
		t.Fatalf("expected %v, got %v", ids, got)
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Fatalf("expected %v, got %v", ids, got)
		}
	}
}
