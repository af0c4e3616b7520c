package telem

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/wirenboard/wb-connection-manager/pkg"
	"github.com/wirenboard/wb-connection-manager/pkg/logx"
)

var eventsBucket = []byte("events")

// Journal persists controller events to a bbolt database so failover
// history survives restarts. Keys are RFC3339Nano timestamps, which
// keeps bucket iteration in time order.
type Journal struct {
	db     *bolt.DB
	logger *logx.Logger
}

// OpenJournal opens (or creates) the journal database.
func OpenJournal(path string, logger *logx.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event journal: %w", err)
	}

	return &Journal{db: db, logger: logger}, nil
}

// Append writes one event to the journal.
func (j *Journal) Append(event *pkg.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	key := []byte(event.Timestamp.UTC().Format(time.RFC3339Nano))

	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(eventsBucket).Put(key, data)
	})
}

// Events returns journaled events newer than since, oldest first,
// up to limit entries. limit <= 0 means no limit.
func (j *Journal) Events(since time.Time, limit int) ([]*pkg.Event, error) {
	var events []*pkg.Event
	min := []byte(since.UTC().Format(time.RFC3339Nano))

	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.Seek(min); k != nil; k, v = c.Next() {
			var event pkg.Event
			if err := json.Unmarshal(v, &event); err != nil {
				j.logger.Warn("Skipping malformed journal entry", "key", string(k), "error", err)
				continue
			}
			events = append(events, &event)
			if limit > 0 && len(events) >= limit {
				return nil
			}
		}
		return nil
	})
	return events, err
}

// Prune removes events older than the cutoff.
func (j *Journal) Prune(before time.Time) error {
	max := []byte(before.UTC().Format(time.RFC3339Nano))

	return j.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, _ := c.First(); k != nil && string(k) < string(max); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
