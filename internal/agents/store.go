package agents

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrStateNotFound is returned when no state was saved for a thread.
var ErrStateNotFound = errors.New("agent state not found")

// StateRecord is the persisted state of one agent thread.
type StateRecord struct {
	AgentName string
	ThreadID  string
	NodeName  string
	State     json.RawMessage
	UpdatedAt time.Time
}

// StateStore persists the last state snapshot of agent threads.
type StateStore interface {
	Load(ctx context.Context, agentName, threadID string) (*StateRecord, error)
	Save(ctx context.Context, record *StateRecord) error
	Delete(ctx context.Context, agentName, threadID string) error
	Close() error
}

type stateKey struct {
	agent  string
	thread string
}

// MemoryStore keeps agent state in process memory. State is lost on
// restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[stateKey]*StateRecord
}

// NewMemoryStore creates an empty in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[stateKey]*StateRecord)}
}

func (m *MemoryStore) Load(ctx context.Context, agentName, threadID string) (*StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[stateKey{agentName, threadID}]
	if !ok {
		return nil, ErrStateNotFound
	}
	return cloneRecord(record), nil
}

func (m *MemoryStore) Save(ctx context.Context, record *StateRecord) error {
	if record == nil {
		return errors.New("state record is required")
	}
	if record.AgentName == "" || record.ThreadID == "" {
		return errors.New("agent name and thread id are required")
	}
	clone := cloneRecord(record)
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[stateKey{record.AgentName, record.ThreadID}] = clone
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, agentName, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, stateKey{agentName, threadID})
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneRecord(record *StateRecord) *StateRecord {
	clone := *record
	if record.State != nil {
		clone.State = append(json.RawMessage(nil), record.State...)
	}
	return &clone
}
