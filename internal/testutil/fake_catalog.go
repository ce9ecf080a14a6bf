package testutil

import (
	"slices"
	"sync"

	courier "github.com/eugener/courier/internal"
)

// FakeCatalog is a fixed set of task names.
type FakeCatalog []string

// Has reports whether name is in the catalog.
func (c FakeCatalog) Has(name string) bool { return slices.Contains(c, name) }

// Names returns the catalog sorted.
func (c FakeCatalog) Names() []string {
	out := slices.Clone([]string(c))
	slices.Sort(out)
	return out
}

// EventLog is a courier.EventSink that keeps events in memory.
type EventLog struct {
	mu     sync.Mutex
	events []courier.TaskEvent
}

// Record appends e.
func (l *EventLog) Record(e courier.TaskEvent) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (l *EventLog) Events() []courier.TaskEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

// Types returns the type of each recorded event in order.
func (l *EventLog) Types() []courier.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]courier.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}
