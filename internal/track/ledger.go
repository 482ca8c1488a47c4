package track

import (
	"sort"
)

const DefaultAlertCapacity = 500

type UpsertResult int

const (
	Unchanged UpsertResult = iota
	Inserted
	Updated
	// Dropped means the ledger was full and the event was older than
	// everything retained.
	Dropped
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Dropped:
		return "dropped"
	default:
		return "unchanged"
	}
}

// Ledger is a deduplicated alert history ordered by ObservedAt with a hard
// capacity. It is not safe for concurrent use.
type Ledger struct {
	byID     map[string]AlertEvent
	byKey    map[string]string
	order    []string // ids, oldest first
	capacity int
}

func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultAlertCapacity
	}
	return &Ledger{
		byID:     map[string]AlertEvent{},
		byKey:    map[string]string{},
		order:    make([]string, 0, capacity),
		capacity: capacity,
	}
}

// Upsert stores ev, idempotent on ID. A repeat only replaces the stored copy
// when it carries fields the stored one lacks. A server id arriving for an
// alert first seen without one takes over the synthesized id.
func (l *Ledger) Upsert(ev AlertEvent) UpsertResult {
	if ev.ID == "" {
		ev.ID = SynthesizeID(ev.DeviceID, ev.ObservedAt, ev.AlertType)
		ev.Synthesized = true
	}

	id, stored, ok := l.lookup(ev)
	if !ok {
		return l.insert(ev)
	}

	merged, changed := stored.merge(ev)
	if stored.Synthesized && !ev.Synthesized {
		merged.ID = ev.ID
		merged.Synthesized = false
		if l.byKey[stored.NaturalKey()] == id {
			delete(l.byKey, stored.NaturalKey())
		}
		l.rekey(id, merged)
		return Updated
	}
	if !changed {
		return Unchanged
	}
	if merged.NaturalKey() != stored.NaturalKey() {
		if l.byKey[stored.NaturalKey()] == id {
			delete(l.byKey, stored.NaturalKey())
		}
		l.byKey[merged.NaturalKey()] = id
	}
	l.byID[id] = merged
	return Updated
}

// All returns the alerts newest first.
func (l *Ledger) All() []AlertEvent {
	out := make([]AlertEvent, 0, len(l.order))
	for i := len(l.order) - 1; i >= 0; i-- {
		out = append(out, l.byID[l.order[i]])
	}
	return out
}

func (l *Ledger) Get(id string) (AlertEvent, bool) {
	ev, ok := l.byID[id]
	return ev, ok
}

func (l *Ledger) Count() int { return len(l.order) }

func (l *Ledger) Cap() int { return l.capacity }

func (l *Ledger) lookup(ev AlertEvent) (string, AlertEvent, bool) {
	if stored, ok := l.byID[ev.ID]; ok {
		return ev.ID, stored, true
	}
	aliasID, ok := l.byKey[ev.NaturalKey()]
	if !ok {
		return "", AlertEvent{}, false
	}
	stored := l.byID[aliasID]
	// two distinct server ids are two distinct alerts
	if !ev.Synthesized && !stored.Synthesized {
		return "", AlertEvent{}, false
	}
	return aliasID, stored, true
}

func (l *Ledger) insert(ev AlertEvent) UpsertResult {
	full := len(l.order) >= l.capacity
	i := sort.Search(len(l.order), func(i int) bool {
		return l.byID[l.order[i]].ObservedAt.After(ev.ObservedAt)
	})
	if full && i == 0 {
		return Dropped
	}

	l.byID[ev.ID] = ev
	l.byKey[ev.NaturalKey()] = ev.ID
	l.order = append(l.order, "")
	copy(l.order[i+1:], l.order[i:])
	l.order[i] = ev.ID

	for len(l.order) > l.capacity {
		l.evictOldest()
	}
	return Inserted
}

func (l *Ledger) evictOldest() {
	id := l.order[0]
	ev := l.byID[id]
	if l.byKey[ev.NaturalKey()] == id {
		delete(l.byKey, ev.NaturalKey())
	}
	delete(l.byID, id)
	l.order = append(l.order[:0], l.order[1:]...)
}

func (l *Ledger) rekey(oldID string, ev AlertEvent) {
	delete(l.byID, oldID)
	l.byID[ev.ID] = ev
	l.byKey[ev.NaturalKey()] = ev.ID
	for i, id := range l.order {
		if id == oldID {
			l.order[i] = ev.ID
			break
		}
	}
}
