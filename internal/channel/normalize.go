package channel

import (
	"sort"

	"tracksure/internal/wire"
)

// Kind is the canonical type an event name maps to.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindAlert
	KindLocation
)

// eventKinds is the allow-list. Every accepted wire name maps to exactly one
// canonical kind; anything else falls through to KindUnrecognized.
var eventKinds = map[string]Kind{
	wire.EventNewAlert: KindAlert,
	"alertData":        KindAlert,
	"alert":            KindAlert,

	wire.EventLocationUpdate: KindLocation,
	"new_location":           KindLocation,
	"locationUpdate":         KindLocation,
	"location":               KindLocation,
}

func Classify(event string) Kind {
	if k, ok := eventKinds[event]; ok {
		return k
	}
	return KindUnrecognized
}

// EventNames returns the allow-list, sorted.
func EventNames() []string {
	names := make([]string, 0, len(eventKinds))
	for name := range eventKinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
