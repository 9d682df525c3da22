// SPDX-License-Identifier: MIT

// Package identity persists the device's pairing identity. The record is
// written to two independent stores (a Badger key-value store and a flat JSON
// mirror file) so losing either alone never forces a re-pair.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	recordKey  = "device_identity"
	mirrorName = "identity.json"
	dbDirName  = "identity.db"
)

// Record is the durable pairing identity handed out by the dashboard.
type Record struct {
	ID    string `json:"id"`
	Code  string `json:"code"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// Empty reports whether the record carries no pairing at all.
func (r Record) Empty() bool {
	return r.ID == "" && r.Token == ""
}

// Store is the dual-backed identity store.
type Store struct {
	db     *badger.DB
	mirror string
	logger zerolog.Logger
}

// Open opens the Badger store under dataDir and locates the mirror file next
// to it.
func Open(dataDir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(dataDir, dbDirName)).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}

	return &Store{
		db:     db,
		mirror: filepath.Join(dataDir, mirrorName),
		logger: logger,
	}, nil
}

// Close releases the Badger store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the identity. The primary store wins; the mirror is consulted
// only when the primary is empty, and mirror data found that way is written
// back into the primary.
func (s *Store) Load() (Record, error) {
	rec, err := s.loadPrimary()
	if err != nil {
		return Record{}, err
	}
	if !rec.Empty() {
		return rec, nil
	}

	rec, ok := s.loadMirror()
	if !ok {
		return Record{}, nil
	}

	s.logger.Info().Str("device_id", rec.ID).Msg("identity recovered from mirror file")
	if err := s.savePrimary(rec); err != nil {
		// Recovery still succeeded; the mirror stays authoritative until the
		// primary heals on the next save.
		s.logger.Warn().Err(err).Msg("failed to restore identity into primary store")
	}
	return rec, nil
}

// Save writes the record to both stores. A mirror write failure is non-fatal
// as long as the primary succeeded.
func (s *Store) Save(rec Record) error {
	if err := s.savePrimary(rec); err != nil {
		return err
	}
	if err := s.saveMirror(rec); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write identity mirror file")
	}
	return nil
}

// Clear wipes the identity from both stores. Used on unpair.
func (s *Store) Clear() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(recordKey))
	})
	if err != nil {
		return fmt.Errorf("clear identity: %w", err)
	}
	if err := os.Remove(s.mirror); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Msg("failed to remove identity mirror file")
	}
	return nil
}

func (s *Store) loadPrimary() (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("load identity: %w", err)
	}
	return rec, nil
}

func (s *Store) savePrimary(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(recordKey), data)
	})
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (s *Store) loadMirror() (Record, bool) {
	data, err := os.ReadFile(s.mirror)
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn().Err(err).Msg("identity mirror file is corrupt")
		return Record{}, false
	}
	if rec.Empty() {
		return Record{}, false
	}
	return rec, true
}

func (s *Store) saveMirror(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal identity mirror: %w", err)
	}
	if err := renameio.WriteFile(s.mirror, data, 0o600); err != nil {
		return fmt.Errorf("write identity mirror: %w", err)
	}
	return nil
}

// ProvisionalCode mints a local pairing code for a device that has never
// spoken to the dashboard. The dashboard replaces it during registration.
func ProvisionalCode() string {
	return uuid.NewString()[:8]
}
