// Package telem keeps a bounded in-RAM history of probe samples and
// controller events, with an optional persistent event journal.
package telem

import (
	"fmt"
	"sync"
	"time"

	"github.com/wirenboard/wb-connection-manager/pkg"
)

// Sample is one connectivity probe result.
type Sample struct {
	Connection string        `json:"connection"`
	Verdict    pkg.Verdict   `json:"verdict"`
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Store manages telemetry data in RAM with per-connection ring
// buffers and a shared event buffer.
type Store struct {
	mu sync.RWMutex

	retention time.Duration

	samples map[string]*ringBuffer
	events  *ringBuffer

	journal *Journal

	eventCallback  func(*pkg.Event)
	sampleCallback func(*Sample)
}

const (
	samplesPerConnection = 1000
	maxEvents            = 500
)

// NewStore creates a telemetry store retaining data for the given
// number of hours.
func NewStore(retentionHours int) (*Store, error) {
	if retentionHours < 1 || retentionHours > 7*24 {
		return nil, fmt.Errorf("retention hours must be between 1 and 168")
	}
	return &Store{
		retention: time.Duration(retentionHours) * time.Hour,
		samples:   make(map[string]*ringBuffer),
		events:    newRingBuffer(maxEvents),
	}, nil
}

// SetJournal attaches a persistent event journal. Events added after
// this call are appended to it best-effort.
func (s *Store) SetJournal(j *Journal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = j
}

// SetEventCallback registers a callback invoked for every added
// event, outside the store lock.
func (s *Store) SetEventCallback(cb func(*pkg.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventCallback = cb
}

// SetSampleCallback registers a callback invoked for every added
// sample, outside the store lock.
func (s *Store) SetSampleCallback(cb func(*Sample)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleCallback = cb
}

// AddSample records a probe result for a connection.
func (s *Store) AddSample(connection string, verdict pkg.Verdict, duration time.Duration) {
	sample := &Sample{
		Connection: connection,
		Verdict:    verdict,
		Duration:   duration,
		Timestamp:  time.Now(),
	}

	s.mu.Lock()
	buf := s.samples[connection]
	if buf == nil {
		buf = newRingBuffer(samplesPerConnection)
		s.samples[connection] = buf
	}
	buf.add(sample, sample.Timestamp)
	cb := s.sampleCallback
	s.mu.Unlock()

	if cb != nil {
		cb(sample)
	}
}

// AddEvent records a controller state transition.
func (s *Store) AddEvent(event *pkg.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.events.add(event, event.Timestamp)
	journal := s.journal
	cb := s.eventCallback
	s.mu.Unlock()

	if journal != nil {
		if err := journal.Append(event); err != nil {
			// Journal failures never block the control loop.
			journal.logger.Warn("Failed to journal event", "error", err)
		}
	}
	if cb != nil {
		cb(event)
	}
}

// GetSamples returns samples for a connection newer than since.
func (s *Store) GetSamples(connection string, since time.Time) []*Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.samples[connection]
	if buf == nil {
		return nil
	}
	items := buf.since(since)
	samples := make([]*Sample, 0, len(items))
	for _, it := range items {
		samples = append(samples, it.(*Sample))
	}
	return samples
}

// GetEvents returns up to limit events newer than since. limit <= 0
// means no limit.
func (s *Store) GetEvents(since time.Time, limit int) []*pkg.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.events.since(since)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	events := make([]*pkg.Event, 0, len(items))
	for _, it := range items {
		events = append(events, it.(*pkg.Event))
	}
	return events
}

// Connections returns the connection names with recorded samples.
func (s *Store) Connections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.samples))
	for name := range s.samples {
		names = append(names, name)
	}
	return names
}

// Cleanup drops data older than the retention window and prunes the
// journal if one is attached.
func (s *Store) Cleanup() {
	cutoff := time.Now().Add(-s.retention)

	s.mu.Lock()
	for name, buf := range s.samples {
		buf.removeBefore(cutoff)
		if buf.len() == 0 {
			delete(s.samples, name)
		}
	}
	s.events.removeBefore(cutoff)
	journal := s.journal
	s.mu.Unlock()

	if journal != nil {
		if err := journal.Prune(cutoff); err != nil {
			journal.logger.Warn("Failed to prune event journal", "error", err)
		}
	}
}

// Close releases the store and its journal.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = make(map[string]*ringBuffer)
	s.events = newRingBuffer(maxEvents)
	if s.journal != nil {
		err := s.journal.Close()
		s.journal = nil
		return err
	}
	return nil
}

// ringBuffer is a fixed-capacity time-stamped buffer. Callers hold
// the store lock.
type ringBuffer struct {
	data  []interface{}
	times []time.Time
	cap   int
	head  int
	size  int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		data:  make([]interface{}, capacity),
		times: make([]time.Time, capacity),
		cap:   capacity,
	}
}

func (rb *ringBuffer) add(item interface{}, ts time.Time) {
	idx := (rb.head + rb.size) % rb.cap
	if rb.size == rb.cap {
		rb.head = (rb.head + 1) % rb.cap
		idx = (rb.head + rb.size - 1) % rb.cap
	} else {
		rb.size++
	}
	rb.data[idx] = item
	rb.times[idx] = ts
}

func (rb *ringBuffer) since(t time.Time) []interface{} {
	out := make([]interface{}, 0, rb.size)
	for i := 0; i < rb.size; i++ {
		idx := (rb.head + i) % rb.cap
		if rb.times[idx].After(t) {
			out = append(out, rb.data[idx])
		}
	}
	return out
}

func (rb *ringBuffer) removeBefore(t time.Time) {
	for rb.size > 0 {
		if rb.times[rb.head].After(t) {
			return
		}
		rb.data[rb.head] = nil
		rb.head = (rb.head + 1) % rb.cap
		rb.size--
	}
}

func (rb *ringBuffer) len() int {
	return rb.size
}
