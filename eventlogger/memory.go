package eventlogger

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// MemoryEventLogger keeps events in process memory, for tests and the
// in-memory deployment.
type MemoryEventLogger struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryEventLogger() *MemoryEventLogger {
	return &MemoryEventLogger{}
}

func (m *MemoryEventLogger) Save(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryEventLogger) GetByType(_ context.Context, eventType string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]Event, 0)
	for _, e := range m.events {
		if e.Type == eventType {
			events = append(events, e)
		}
	}
	return events, nil
}

func (m *MemoryEventLogger) ListByHousehold(_ context.Context, householdID uuid.UUID, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]Event, 0)
	for _, e := range slices.Backward(m.events) {
		if len(events) == limit {
			break
		}
		if e.HouseholdID.Valid && e.HouseholdID.UUID == householdID {
			events = append(events, e)
		}
	}
	return events, nil
}
