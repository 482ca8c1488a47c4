// Package wire holds the push envelope format and channel naming shared by
// the feed server and the live channel client.
package wire

import (
	"encoding/json"
	"errors"
	"strings"
)

// Event names emitted by the feed. Older producers use the other names the
// channel adapter accepts.
const (
	EventNewAlert       = "new_alert"
	EventLocationUpdate = "location_update"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is one push frame: {"event": name, "data": payload}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode marshals v into an envelope frame.
func Encode(event string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode parses a frame. Gateways that wrap as {"type","payload"} are
// accepted as well.
func Decode(frame []byte) (Envelope, error) {
	var raw struct {
		Event   string          `json:"event"`
		Data    json.RawMessage `json:"data"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Envelope{}, errors.Join(ErrMalformedEnvelope, err)
	}

	env := Envelope{Event: raw.Event, Data: raw.Data}
	if env.Event == "" {
		env.Event, env.Data = raw.Type, raw.Payload
	}
	if env.Event == "" {
		return Envelope{}, ErrMalformedEnvelope
	}
	return env, nil
}

const (
	channelPrefix = "tracking:"
	channelSuffix = ":broadcast"
)

// RedisChannel is the pub/sub channel carrying one device's envelopes.
func RedisChannel(deviceID string) string {
	return channelPrefix + deviceID + channelSuffix
}

// RedisPattern matches every device channel.
func RedisPattern() string {
	return channelPrefix + "*" + channelSuffix
}

// DeviceFromChannel is the inverse of RedisChannel; it returns "" for
// foreign channel names.
func DeviceFromChannel(ch string) string {
	if len(ch) <= len(channelPrefix)+len(channelSuffix) ||
		!strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
