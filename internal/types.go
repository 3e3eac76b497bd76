package internal

import (
	"encoding/json"
	"fmt"
)

// ChannelState is the fixture's full output, one intensity per channel.
type ChannelState []uint8

func (s ChannelState) MarshalJSON() ([]byte, error) {
	values := make([]int, len(s))
	for i, v := range s {
		values[i] = int(v)
	}

	return json.Marshal(values)
}

func (s *ChannelState) UnmarshalJSON(b []byte) error {
	var values []int
	if err := json.Unmarshal(b, &values); err != nil {
		return err
	}

	state := make(ChannelState, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("channel %v value %v out of range", i, v)
		}

		state[i] = uint8(v)
	}

	*s = state
	return nil
}

func (s ChannelState) Clone() ChannelState {
	out := make(ChannelState, len(s))
	copy(out, s)
	return out
}

type Preset struct {
	Name  string       `json:"name"`
	Value ChannelState `json:"value"`
}

type MessageType string

const (
	MessageTypeState       MessageType = "state"
	MessageTypeChange      MessageType = "change"
	MessageTypeSave        MessageType = "save"
	MessageTypePresets     MessageType = "presets"
	MessageTypeLoad        MessageType = "load"
	MessageTypeLoadAdd     MessageType = "load-add"
	MessageTypeLoadSub     MessageType = "load-sub"
	MessageTypeLoadReplace MessageType = "load-replace"
)

// Message is an inbound frame. Value is decoded once Type is known.
type Message struct {
	Type  MessageType     `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Reply is an outbound frame.
type Reply struct {
	Type  MessageType `json:"type"`
	Value any         `json:"value"`
}

func StateReply(state ChannelState) Reply {
	if state == nil {
		state = ChannelState{}
	}

	return Reply{Type: MessageTypeState, Value: state}
}

func PresetsReply(presets []Preset) Reply {
	if presets == nil {
		presets = []Preset{}
	}

	return Reply{Type: MessageTypePresets, Value: presets}
}

func SaveReply() Reply {
	return Reply{Type: MessageTypeSave, Value: true}
}

type MatchPolicy string

const (
	MatchFirst MatchPolicy = "first"
	MatchLast  MatchPolicy = "last"
)

func ParseMatchPolicy(s string) (MatchPolicy, error) {
	switch MatchPolicy(s) {
	case "", MatchFirst:
		return MatchFirst, nil
	case MatchLast:
		return MatchLast, nil
	default:
		return "", fmt.Errorf("unknown preset match policy %q", s)
	}
}

type EventType string

const (
	EventTypeDrop EventType = "drop"
)

// Event travels between gateway instances over redis pub/sub.
type Event struct {
	Type   EventType `json:"type"`
	Origin string    `json:"origin"`
	ID     string    `json:"id,omitempty"`
}
