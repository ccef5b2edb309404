package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"assistcal/internal/calerr"
	"assistcal/internal/interval"
	"assistcal/internal/model"
)

// Memory is a process-local Store. It backs the "memory" driver and tests.
type Memory struct {
	mu     sync.RWMutex
	events map[string]model.Event
}

// NewMemory returns a Memory holding copies of events. Events without an id
// get a fresh one.
func NewMemory(events ...model.Event) *Memory {
	m := &Memory{events: make(map[string]model.Event, len(events))}
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		m.events[ev.ID] = ev.Clone()
	}
	return m
}

func (m *Memory) FetchEvents(ctx context.Context, window interval.Interval) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Event, 0, len(m.events))
	for _, ev := range m.events {
		if Relevant(ev, window) {
			out = append(out, ev.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.Event) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) CreateEvent(ctx context.Context, ev model.Event) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ev.Validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if _, dup := m.events[ev.ID]; dup {
		return "", fmt.Errorf("event %s already exists", ev.ID)
	}
	m.events[ev.ID] = ev.Clone()
	return ev.ID, nil
}

func (m *Memory) UpdateEvent(ctx context.Context, id string, ev model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[id]; !ok {
		return fmt.Errorf("event %s: %w", id, calerr.ErrNotFound)
	}
	ev.ID = id
	m.events[id] = ev.Clone()
	return nil
}

func (m *Memory) DeleteEvent(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[id]; !ok {
		return fmt.Errorf("event %s: %w", id, calerr.ErrNotFound)
	}
	delete(m.events, id)
	return nil
}

// Get returns a copy of the stored event.
func (m *Memory) Get(id string) (model.Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	return ev.Clone(), ok
}

func (m *Memory) GetEvent(ctx context.Context, id string) (model.Event, error) {
	if err := ctx.Err(); err != nil {
		return model.Event{}, err
	}
	ev, ok := m.Get(id)
	if !ok {
		return model.Event{}, fmt.Errorf("event %s: %w", id, calerr.ErrNotFound)
	}
	return ev, nil
}

// Len reports how many events are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
