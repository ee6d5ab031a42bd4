// Package journal records which transaction paid which charge and how far
// the confirmation got, so a restarted flow neither pays twice nor confirms
// twice.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vitwit/x402pay/types"
)

// State is how far a charge's confirmation has progressed.
type State string

const (
	StateSubmitted State = "submitted"
	StateConfirmed State = "confirmed"
	StateUnlocked  State = "unlocked"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"

	// StateChainFailed marks a transfer that reverted on chain. Nothing was
	// paid, so the charge may be paid again.
	StateChainFailed State = "chain_failed"
)

// Entry is the journal record for one charge.
type Entry struct {
	ChargeID  string        `json:"chargeId"`
	TxRef     string        `json:"txRef"`
	Network   types.Network `json:"network"`
	State     State         `json:"state"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Reference returns the recorded transaction, which may be zero.
func (e *Entry) Reference() types.TransactionReference {
	return types.TransactionReference{Network: e.Network, Signature: e.TxRef}
}

// Settled reports whether the charge already unlocked content.
func (e *Entry) Settled() bool {
	return e.State == StateUnlocked
}

// Terminal reports whether the charge reached a final state and must not be
// paid again.
func (e *Entry) Terminal() bool {
	switch e.State {
	case StateUnlocked, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Confirmed reports whether confirmPayment was already issued for TxRef.
func (e *Entry) Confirmed() bool {
	switch e.State {
	case StateConfirmed, StateUnlocked, StateFailed, StateTimedOut:
		return e.TxRef != ""
	default:
		return false
	}
}

// Store abstracts journal persistence. Get returns nil, nil for unknown charges.
type Store interface {
	Get(ctx context.Context, chargeID string) (*Entry, error)
	Save(ctx context.Context, entry Entry) error
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Entry),
	}
}

func (m *MemoryStore) Get(_ context.Context, chargeID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.data[chargeID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *MemoryStore) Save(_ context.Context, entry Entry) error {
	if entry.ChargeID == "" {
		return errors.New("journal entry has no charge id")
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[entry.ChargeID] = entry
	return nil
}

// FileStore persists entries to a JSON file. Suitable for a single process.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Entry
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Entry),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

// persist replaces the journal file atomically.
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, chargeID string) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.data[chargeID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (f *FileStore) Save(_ context.Context, entry Entry) error {
	if entry.ChargeID == "" {
		return errors.New("journal entry has no charge id")
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[entry.ChargeID] = entry
	return f.persist()
}
