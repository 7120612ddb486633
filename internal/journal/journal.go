// Package journal keeps a durable local record of prompt adaptations and emergency
// status snapshots in BadgerDB, so a restarted session can resume its topology mode
// without the shared store.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/psychesim/dynamics/internal/models"
)

// ErrNotFound is returned when no record exists for a key
var ErrNotFound = errors.New("journal: record not found")

const (
	adaptationPrefix = "adaptation:"
	statusPrefix     = "emergency:"
)

// Config holds journal configuration
type Config struct {
	Path      string        `yaml:"path"`
	InMemory  bool          `yaml:"in_memory"`
	Retention time.Duration `yaml:"retention"` // TTL of adaptation entries; 0 keeps them forever
}

// DefaultConfig returns default journal configuration
func DefaultConfig() *Config {
	return &Config{
		Path:      "~/.psyche/journal",
		Retention: 7 * 24 * time.Hour,
	}
}

// Validate checks the journal settings
func (c *Config) Validate() error {
	if !c.InMemory && strings.TrimSpace(c.Path) == "" {
		return models.NewConfigurationError("journal.path", "is required unless in_memory is set")
	}
	if c.Retention < 0 {
		return models.NewConfigurationError("journal.retention", "must not be negative")
	}
	return nil
}

// Journal is a BadgerDB-backed append log
type Journal struct {
	db        *badger.DB
	retention time.Duration
}

// Open opens (or creates) the journal
func Open(config *Config) (*Journal, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path := expandPath(config.Path)
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &Journal{db: db, retention: config.Retention}, nil
}

func adaptationKey(agentID string, at time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", adaptationPrefix, agentID, at.UnixNano()))
}

// AppendAdaptation stores one adaptation record
func (j *Journal) AppendAdaptation(ctx context.Context, record models.AdaptationRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal adaptation: %w", err)
	}

	return j.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(adaptationKey(record.AgentID, record.Timestamp), data)
		if j.retention > 0 {
			entry = entry.WithTTL(j.retention)
		}
		return txn.SetEntry(entry)
	})
}

// Adaptations returns up to limit records for agentID, newest first. limit <= 0 returns all.
func (j *Journal) Adaptations(ctx context.Context, agentID string, limit int) ([]models.AdaptationRecord, error) {
	prefix := []byte(adaptationPrefix + agentID + ":")
	var records []models.AdaptationRecord

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				var record models.AdaptationRecord
				if err := json.Unmarshal(val, &record); err != nil {
					return nil // Skip malformed entries
				}
				records = append(records, record)
				return nil
			})
			if err != nil {
				return err
			}
			if limit > 0 && len(records) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read adaptations: %w", err)
	}
	return records, nil
}

// PruneAdaptations deletes records older than before and returns how many were removed
func (j *Journal) PruneAdaptations(ctx context.Context, before time.Time) (int, error) {
	var stale [][]byte

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(adaptationPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var record models.AdaptationRecord
				if err := json.Unmarshal(val, &record); err != nil || record.Timestamp.Before(before) {
					stale = append(stale, item.KeyCopy(nil))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan adaptations: %w", err)
	}

	wb := j.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("failed to delete adaptation: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush deletes: %w", err)
	}
	return len(stale), nil
}

// SaveEmergencyStatus stores the latest status snapshot of a session
func (j *Journal) SaveEmergencyStatus(ctx context.Context, session string, status models.EmergencyStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal emergency status: %w", err)
	}

	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(statusPrefix+session), data)
	})
}

// LoadEmergencyStatus returns the stored snapshot of a session, or ErrNotFound
func (j *Journal) LoadEmergencyStatus(ctx context.Context, session string) (*models.EmergencyStatus, error) {
	var status models.EmergencyStatus

	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(statusPrefix + session))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &status)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load emergency status: %w", err)
	}
	return &status, nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
