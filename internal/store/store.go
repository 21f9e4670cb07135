// Package store persists incident groups and resolution records in badger so
// that summaries accumulate across batch runs and server restarts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"anr-mcp/internal/analyzer"
)

const (
	groupPrefix      = "group/"
	resolutionPrefix = "resolution/"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Config configures Open.
type Config struct {
	// Path is the database directory. Required unless InMemory is set.
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

// ResolutionRecord is the persisted outcome of one resolution.
type ResolutionRecord struct {
	ID             string          `json:"id"`
	TracePath      string          `json:"trace_path"`
	Target         analyzer.Target `json:"target"`
	Outcome        string          `json:"outcome"`
	ProcessName    string          `json:"process_name"`
	Frames         []string        `json:"frames"`
	OutputPath     string          `json:"output_path"`
	Hops           int             `json:"hops"`
	Reconstruction string          `json:"reconstruction"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewResolutionRecord captures res for storage.
func NewResolutionRecord(tracePath string, res *analyzer.Resolution) ResolutionRecord {
	return ResolutionRecord{
		ID:             res.ID,
		TracePath:      tracePath,
		Target:         res.Target,
		Outcome:        string(res.Outcome),
		ProcessName:    res.Incident.ProcessName,
		Frames:         res.Incident.Frames,
		OutputPath:     res.Incident.OutputPath,
		Hops:           len(res.Hops),
		Reconstruction: res.Reconstruction(),
		CreatedAt:      time.Now().UTC(),
	}
}

// Store is a badger-backed incident store. It is safe for concurrent use.
type Store struct {
	db  *badger.DB
	log *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens or creates the store described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db, log: logger}, nil
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveGroups replaces the stored group of every process in groups.
func (s *Store) SaveGroups(ctx context.Context, groups []analyzer.IncidentGroup) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, g := range groups {
			data, err := json.Marshal(g)
			if err != nil {
				return fmt.Errorf("encode group %s: %w", g.ProcessName, err)
			}
			if err := txn.Set([]byte(groupPrefix+g.ProcessName), data); err != nil {
				return fmt.Errorf("store group %s: %w", g.ProcessName, err)
			}
		}
		return nil
	})
}

// LoadGroups returns every stored group ordered by process name.
func (s *Store) LoadGroups(ctx context.Context) ([]analyzer.IncidentGroup, error) {
	var groups []analyzer.IncidentGroup
	prefix := []byte(groupPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var g analyzer.IncidentGroup
				if err := json.Unmarshal(val, &g); err != nil {
					s.log.Warn("skipping corrupt incident group", "key", string(item.Key()), "error", err)
					return nil
				}
				groups = append(groups, g)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load incident groups: %w", err)
	}
	return groups, nil
}

// SaveResolution stores rec under its id.
func (s *Store) SaveResolution(ctx context.Context, rec ResolutionRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode resolution %s: %w", rec.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(resolutionPrefix+rec.ID), data)
	})
}

// Resolution loads the record stored under id.
func (s *Store) Resolution(ctx context.Context, id string) (ResolutionRecord, error) {
	var rec ResolutionRecord
	if err := ctx.Err(); err != nil {
		return rec, fmt.Errorf("context cancelled: %w", err)
	}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(resolutionPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("resolution %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}
