// Package spool is the Output Transmitter spool: an ephemeral, local
// key-value store holding the serialized output handles an EE_TERMINATED
// event carries, keyed by iteration. It is not the realization storage
// back-end (out of scope per spec.md §1) — only a transient handoff point
// between the queue engine and whatever consumes the terminated event.
package spool

import (
	"encoding/json"
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
)

// Spool wraps a badger.DB opened in a directory that is wiped on startup
// when resetOnStartup is set (the configured default), mirroring the
// teacher's ResetOnStartup connection option; with it set, the spool
// carries no state across process restarts.
type Spool struct {
	db     *badger.DB
	logger arbor.ILogger
	dir    string
}

// Open creates a fresh badger store under dir (created if needed, wiped
// first when resetOnStartup is true).
func Open(dir string, resetOnStartup bool, logger arbor.ILogger) (*Spool, error) {
	if resetOnStartup {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("spool: reset dir: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: create dir: %w", err)
	}

	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("spool: open badger: %w", err)
	}

	logger.Info().Str("dir", dir).Bool("reset", resetOnStartup).Msg("spool: opened output transmitter store")
	return &Spool{db: db, logger: logger, dir: dir}, nil
}

// Put stores the serialized output transmitters for an iteration.
func (s *Spool) Put(iteration int, transmitters any) error {
	raw, err := json.Marshal(transmitters)
	if err != nil {
		return fmt.Errorf("spool: marshal: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(iteration), raw)
	})
}

// Get retrieves the serialized output transmitters for an iteration.
func (s *Spool) Get(iteration int, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(iteration))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

// Close releases the underlying badger handles. It does not delete dir;
// the caller decides lifecycle of the temp directory itself.
func (s *Spool) Close() error {
	return s.db.Close()
}

func key(iteration int) []byte {
	return []byte(fmt.Sprintf("iteration:%d", iteration))
}
