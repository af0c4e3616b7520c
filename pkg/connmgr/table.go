package connmgr

import (
	"fmt"

	"github.com/wirenboard/wb-connection-manager/pkg"
)

// PriorityTable is the ordered, read-only list of managed connection
// identifiers, most preferred first. It is built once at startup;
// changing it requires a restart.
type PriorityTable struct {
	entries []pkg.ConnectionDescriptor
	ranks   map[string]int
}

// NewPriorityTable builds a table from configured identifiers in
// priority order. An empty list or a duplicate identifier is a
// configuration error.
func NewPriorityTable(ids []string) (*PriorityTable, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: priority table is empty", pkg.ErrNotConfigured)
	}

	t := &PriorityTable{
		entries: make([]pkg.ConnectionDescriptor, 0, len(ids)),
		ranks:   make(map[string]int, len(ids)),
	}
	for rank, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("%w: empty connection id at rank %d", pkg.ErrNotConfigured, rank)
		}
		if _, dup := t.ranks[id]; dup {
			return nil, fmt.Errorf("%w: duplicate connection id %q", pkg.ErrNotConfigured, id)
		}
		t.entries = append(t.entries, pkg.ConnectionDescriptor{ID: id, Rank: rank})
		t.ranks[id] = rank
	}
	return t, nil
}

// Len returns the number of managed connections.
func (t *PriorityTable) Len() int {
	return len(t.entries)
}

// At returns the descriptor at the given rank.
func (t *PriorityTable) At(rank int) pkg.ConnectionDescriptor {
	return t.entries[rank]
}

// Rank returns the rank of the given identifier and whether it is
// managed at all.
func (t *PriorityTable) Rank(id string) (int, bool) {
	rank, ok := t.ranks[id]
	return rank, ok
}

// IDs returns the identifiers in priority order.
func (t *PriorityTable) IDs() []string {
	ids := make([]string, len(t.entries))
	for i, e := range t.entries {
		ids[i] = e.ID
	}
	return ids
}
