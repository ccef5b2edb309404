package store

import (
	"context"
	"fmt"
	"strings"

	"assistcal/internal/calerr"
	"assistcal/internal/interval"
	appLog "assistcal/internal/log"
	"assistcal/internal/model"
)

// Source is a read-only calendar, typically an ICS subscription.
type Source interface {
	ID() string
	Events(ctx context.Context) ([]model.Event, error)
}

// Multi overlays read-only sources on a writable primary store. Source
// events get ids of the form "<source id>:<uid>" and are marked ReadOnly.
// A failing source is logged and left out; a failing primary fails the
// whole fetch.
type Multi struct {
	Primary Store
	Sources []Source
}

func (m *Multi) FetchEvents(ctx context.Context, window interval.Interval) ([]model.Event, error) {
	events, err := m.Primary.FetchEvents(ctx, window)
	if err != nil {
		return nil, err
	}
	for _, src := range m.Sources {
		evs, err := src.Events(ctx)
		if err != nil {
			appLog.Error("subscription unavailable, skipping", err, "source", src.ID())
			continue
		}
		for _, ev := range evs {
			if !Relevant(ev, window) {
				continue
			}
			ev = ev.Clone()
			ev.ID = src.ID() + ":" + ev.ID
			ev.SourceID = src.ID()
			ev.ReadOnly = true
			events = append(events, ev)
		}
	}
	return events, nil
}

func (m *Multi) CreateEvent(ctx context.Context, ev model.Event) (string, error) {
	return m.Primary.CreateEvent(ctx, ev)
}

func (m *Multi) UpdateEvent(ctx context.Context, id string, ev model.Event) error {
	if err := m.writable(id); err != nil {
		return err
	}
	return m.Primary.UpdateEvent(ctx, id, ev)
}

func (m *Multi) DeleteEvent(ctx context.Context, id string) error {
	if err := m.writable(id); err != nil {
		return err
	}
	return m.Primary.DeleteEvent(ctx, id)
}

// GetEvent looks id up in the primary store. Subscription events are
// reported as read-only.
func (m *Multi) GetEvent(ctx context.Context, id string) (model.Event, error) {
	if err := m.writable(id); err != nil {
		return model.Event{}, err
	}
	g, ok := m.Primary.(Getter)
	if !ok {
		return model.Event{}, fmt.Errorf("event %s: primary store has no lookup: %w", id, calerr.ErrNotFound)
	}
	return g.GetEvent(ctx, id)
}

func (m *Multi) writable(id string) error {
	for _, src := range m.Sources {
		if strings.HasPrefix(id, src.ID()+":") {
			return fmt.Errorf("event %s belongs to subscription %s: %w", id, src.ID(), calerr.ErrReadOnly)
		}
	}
	return nil
}
