// Package protocol implements the cockpit-ws wire framing: a frame is
// "<channel-id>\n<payload>", with an empty channel id marking a control
// frame whose payload is a UTF-8 JSON object carrying at least a
// "command" string field and an optional "channel" field.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MaxFrameSize is the hard ceiling on a single frame's total body
	// length (channel id + LF + payload). A frame larger than this size
	// is a protocol error (§4.2).
	MaxFrameSize = 256 * 1024 * 1024

	// MaxControlSize bounds the JSON payload of a control frame. A
	// control message whose JSON exceeds this is a protocol error (§8).
	MaxControlSize = 16 * 1024 * 1024
)

var (
	// ErrNoChannelSeparator is returned when a frame has no LF separating
	// the channel id from the payload.
	ErrNoChannelSeparator = errors.New("protocol: frame has no channel separator")

	// ErrInvalidCommand is returned by ParseCommand when the control
	// payload has no non-empty string "command" field.
	ErrInvalidCommand = errors.New("protocol: control payload has no string \"command\" field")

	// ErrControlTooLarge is returned when a control frame's payload
	// exceeds MaxControlSize.
	ErrControlTooLarge = errors.New("protocol: control message exceeds maximum size")

	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
)

// BuildFrame concatenates channel, a literal LF, and payload. An empty
// channel denotes a control frame.
func BuildFrame(channel string, payload []byte) []byte {
	out := make([]byte, 0, len(channel)+1+len(payload))
	out = append(out, channel...)
	out = append(out, '\n')
	out = append(out, payload...)
	return out
}

// ParseFrame splits a raw frame body into its channel id (empty for
// control frames) and payload. It fails if no LF separator is present.
func ParseFrame(raw []byte) (channel string, payload []byte, err error) {
	if len(raw) > MaxFrameSize {
		return "", nil, ErrFrameTooLarge
	}
	idx := bytes.IndexByte(raw, '\n')
	if idx < 0 {
		return "", nil, ErrNoChannelSeparator
	}
	channel = string(raw[:idx])
	payload = raw[idx+1:]
	if channel == "" && len(payload) > MaxControlSize {
		return "", nil, ErrControlTooLarge
	}
	return channel, payload, nil
}

// Command is the parsed form of a control frame's JSON payload.
type Command struct {
	Name    string
	Channel string
	Options map[string]any
}

// ParseCommand decodes a control frame's JSON payload, requiring a
// string "command" field and lifting an optional string "channel"
// field out of the generic options map.
func ParseCommand(payload []byte) (Command, error) {
	if len(payload) > MaxControlSize {
		return Command{}, ErrControlTooLarge
	}
	var options map[string]any
	if err := json.Unmarshal(payload, &options); err != nil {
		return Command{}, fmt.Errorf("protocol: invalid control JSON: %w", err)
	}

	name, ok := options["command"].(string)
	if !ok || name == "" {
		return Command{}, ErrInvalidCommand
	}

	channel, _ := options["channel"].(string)

	return Command{
		Name:    name,
		Channel: channel,
		Options: options,
	}, nil
}

// BuildControl builds a control frame payload from alternating key/value
// pairs. Values may be any JSON-marshalable value (strings, numbers,
// bools, nil, slices and maps of those).
func BuildControl(kv ...any) []byte {
	if len(kv)%2 != 0 {
		panic("protocol: BuildControl requires an even number of arguments")
	}
	obj := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic("protocol: BuildControl keys must be strings")
		}
		obj[key] = kv[i+1]
	}
	data, err := json.Marshal(obj)
	if err != nil {
		// Only panics on cyclic or unmarshalable values, which callers
		// never pass.
		panic(fmt.Sprintf("protocol: BuildControl: %v", err))
	}
	return data
}

// BuildControlFrame builds a full control frame (empty channel id plus
// the control JSON built from kv).
func BuildControlFrame(kv ...any) []byte {
	return BuildFrame("", BuildControl(kv...))
}
