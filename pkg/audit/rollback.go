package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var rollbackBucket = []byte("rollback_contexts")

// ErrContextNotFound indicates no rollback context exists for the action id.
var ErrContextNotFound = errors.New("audit: rollback context not found")

// RollbackContext captures what a compensating action needs to know about the
// original attempt. One record per action id, written before the action runs.
type RollbackContext struct {
	ActionID   string    `json:"action_id"`
	Node       string    `json:"node"`
	Category   string    `json:"category"`
	Method     string    `json:"method"`
	CapturedAt time.Time `json:"captured_at"`
	Note       string    `json:"note,omitempty"`
}

// RollbackStore persists rollback contexts keyed by action id.
type RollbackStore struct {
	db *bolt.DB
}

// OpenRollbackStore opens (or creates) the store at path.
func OpenRollbackStore(path string) (*RollbackStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("audit: rollback store path must not be empty")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open rollback store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rollbackBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise rollback store: %w", err)
	}
	return &RollbackStore{db: db}, nil
}

// Put stores the context for its action id.
func (s *RollbackStore) Put(rc RollbackContext) error {
	if strings.TrimSpace(rc.ActionID) == "" {
		return errors.New("audit: rollback context requires an action id")
	}
	payload, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("marshal rollback context: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rollbackBucket).Put([]byte(rc.ActionID), payload)
	})
}

// Get returns the context for the action id.
func (s *RollbackStore) Get(actionID string) (RollbackContext, error) {
	var rc RollbackContext
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(rollbackBucket).Get([]byte(actionID))
		if raw == nil {
			return fmt.Errorf("action %s: %w", actionID, ErrContextNotFound)
		}
		return json.Unmarshal(raw, &rc)
	})
	return rc, err
}

// Close releases the underlying database. Safe to call once.
func (s *RollbackStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
