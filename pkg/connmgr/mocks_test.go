package connmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/wirenboard/wb-connection-manager/pkg"
)

// mockConnectionManager implements pkg.ConnectionManager for testing.
// Records are kept in a slice so listing order is deterministic.
type mockConnectionManager struct {
	mu      sync.Mutex
	records []*pkg.ConnectionRecord

	// Call log, entries like "activate:wb-eth1".
	calls []string

	activateErr   map[string]error
	deactivateErr map[string]error
}

func newMockConnectionManager(records ...*pkg.ConnectionRecord) *mockConnectionManager {
	return &mockConnectionManager{
		records:       records,
		activateErr:   make(map[string]error),
		deactivateErr: make(map[string]error),
	}
}

func (m *mockConnectionManager) ListConnections(ctx context.Context) ([]*pkg.ConnectionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*pkg.ConnectionRecord, len(m.records))
	for i, rec := range m.records {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

func (m *mockConnectionManager) FindConnection(ctx context.Context, id string) (*pkg.ConnectionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.find(id); rec != nil {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (m *mockConnectionManager) ActivateConnection(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "activate:"+id)
	if err := m.activateErr[id]; err != nil {
		return err
	}
	rec := m.find(id)
	if rec == nil {
		return fmt.Errorf("no such connection %q", id)
	}
	rec.Active = true
	return nil
}

func (m *mockConnectionManager) DeactivateConnection(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "deactivate:"+id)
	if err := m.deactivateErr[id]; err != nil {
		return err
	}
	if rec := m.find(id); rec != nil {
		rec.Active = false
	}
	return nil
}

func (m *mockConnectionManager) find(id string) *pkg.ConnectionRecord {
	for _, rec := range m.records {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

func (m *mockConnectionManager) isActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.find(id)
	return rec != nil && rec.Active
}

func (m *mockConnectionManager) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockConnectionManager) resetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// mockModemManager implements pkg.ModemManager. A slot switch takes
// effect after switchDelay GetPrimarySimSlot calls, mimicking the
// modem service's delayed convergence.
type mockModemManager struct {
	mu          sync.Mutex
	slot        int
	pending     int
	pendingLeft int
	switchDelay int
	setCalls    []int
	setErr      error
	converge    bool
}

func newMockModemManager(slot int) *mockModemManager {
	return &mockModemManager{slot: slot, converge: true}
}

func (m *mockModemManager) GetPrimarySimSlot(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingLeft > 0 {
		m.pendingLeft--
		if m.pendingLeft == 0 {
			m.slot = m.pending
		}
	}
	return m.slot, nil
}

func (m *mockModemManager) SetPrimarySimSlot(ctx context.Context, slot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls = append(m.setCalls, slot)
	if m.setErr != nil {
		return m.setErr
	}
	if !m.converge {
		return nil
	}
	if m.switchDelay <= 0 {
		m.slot = slot
		return nil
	}
	m.pending = slot
	m.pendingLeft = m.switchDelay
	return nil
}

// mockProber implements pkg.Prober with per-interface verdicts.
// Unknown interfaces probe unusable.
type mockProber struct {
	mu       sync.Mutex
	verdicts map[string]pkg.Verdict
	probed   []string
}

func newMockProber() *mockProber {
	return &mockProber{verdicts: make(map[string]pkg.Verdict)}
}

func (p *mockProber) setVerdict(iface string, v pkg.Verdict) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verdicts[iface] = v
}

func (p *mockProber) Probe(ctx context.Context, iface string) pkg.Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, iface)
	if v, ok := p.verdicts[iface]; ok {
		return v
	}
	return pkg.VerdictUnusable
}
