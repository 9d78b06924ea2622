// Package events turns raw controller frames into a typed event union
// and carries upward notifications about capture sessions.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sebas/callcapture/internal/capture/ari"
)

var (
	// ErrMalformed is returned for frames that are not valid JSON objects.
	ErrMalformed = errors.New("malformed event")
	// ErrMissingField is returned when a known event lacks its subject.
	ErrMissingField = errors.New("event missing required field")
)

// Kind identifies a normalized event.
type Kind int

const (
	KindUnknown Kind = iota
	KindStasisStart
	KindStasisEnd
	KindChannelCreated
	KindChannelStateChange
	KindChannelDestroyed
	KindChannelEnteredBridge
	KindChannelLeftBridge
	KindBridgeCreated
	KindBridgeDestroyed
	KindRecordingStarted
	KindRecordingFinished
	KindRecordingFailed
)

var kindNames = map[Kind]string{
	KindUnknown:              "Unknown",
	KindStasisStart:          "StasisStart",
	KindStasisEnd:            "StasisEnd",
	KindChannelCreated:       "ChannelCreated",
	KindChannelStateChange:   "ChannelStateChange",
	KindChannelDestroyed:     "ChannelDestroyed",
	KindChannelEnteredBridge: "ChannelEnteredBridge",
	KindChannelLeftBridge:    "ChannelLeftBridge",
	KindBridgeCreated:        "BridgeCreated",
	KindBridgeDestroyed:      "BridgeDestroyed",
	KindRecordingStarted:     "RecordingStarted",
	KindRecordingFinished:    "RecordingFinished",
	KindRecordingFailed:      "RecordingFailed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// wireKinds maps controller type names to kinds. ChannelJoinedBridge is
// an older alias for ChannelEnteredBridge.
var wireKinds = map[string]Kind{
	"StasisStart":          KindStasisStart,
	"StasisEnd":            KindStasisEnd,
	"ChannelCreated":       KindChannelCreated,
	"ChannelStateChange":   KindChannelStateChange,
	"ChannelDestroyed":     KindChannelDestroyed,
	"ChannelEnteredBridge": KindChannelEnteredBridge,
	"ChannelJoinedBridge":  KindChannelEnteredBridge,
	"ChannelLeftBridge":    KindChannelLeftBridge,
	"BridgeCreated":        KindBridgeCreated,
	"BridgeDestroyed":      KindBridgeDestroyed,
	"RecordingStarted":     KindRecordingStarted,
	"RecordingFinished":    KindRecordingFinished,
	"RecordingFailed":      KindRecordingFailed,
}

// Event is one normalized controller event.
type Event interface {
	Kind() Kind
	App() string
	At() time.Time
}

// Header holds fields common to every event.
type Header struct {
	Type        string
	Application string
	Timestamp   time.Time
}

func (h Header) App() string   { return h.Application }
func (h Header) At() time.Time { return h.Timestamp }

// StasisStart: a channel entered the application.
type StasisStart struct {
	Header
	Args    []string
	Channel ari.Channel
}

// StasisEnd: a channel left the application.
type StasisEnd struct {
	Header
	Channel ari.Channel
}

type ChannelCreated struct {
	Header
	Channel ari.Channel
}

type ChannelStateChange struct {
	Header
	Channel ari.Channel
}

type ChannelDestroyed struct {
	Header
	Channel  ari.Channel
	Cause    int
	CauseTxt string
}

type ChannelEnteredBridge struct {
	Header
	Bridge  ari.Bridge
	Channel ari.Channel
}

type ChannelLeftBridge struct {
	Header
	Bridge  ari.Bridge
	Channel ari.Channel
}

type BridgeCreated struct {
	Header
	Bridge ari.Bridge
}

type BridgeDestroyed struct {
	Header
	Bridge ari.Bridge
}

type RecordingStarted struct {
	Header
	Recording ari.LiveRecording
}

type RecordingFinished struct {
	Header
	Recording ari.LiveRecording
}

type RecordingFailed struct {
	Header
	Recording ari.LiveRecording
}

// Unknown is any event type the orchestrator does not act on.
type Unknown struct {
	Header
	Raw json.RawMessage
}

func (StasisStart) Kind() Kind          { return KindStasisStart }
func (StasisEnd) Kind() Kind            { return KindStasisEnd }
func (ChannelCreated) Kind() Kind       { return KindChannelCreated }
func (ChannelStateChange) Kind() Kind   { return KindChannelStateChange }
func (ChannelDestroyed) Kind() Kind     { return KindChannelDestroyed }
func (ChannelEnteredBridge) Kind() Kind { return KindChannelEnteredBridge }
func (ChannelLeftBridge) Kind() Kind    { return KindChannelLeftBridge }
func (BridgeCreated) Kind() Kind        { return KindBridgeCreated }
func (BridgeDestroyed) Kind() Kind      { return KindBridgeDestroyed }
func (RecordingStarted) Kind() Kind     { return KindRecordingStarted }
func (RecordingFinished) Kind() Kind    { return KindRecordingFinished }
func (RecordingFailed) Kind() Kind      { return KindRecordingFailed }
func (Unknown) Kind() Kind              { return KindUnknown }

type wireEvent struct {
	Type        string             `json:"type"`
	Application string             `json:"application"`
	Timestamp   string             `json:"timestamp"`
	Args        []string           `json:"args"`
	Channel     *ari.Channel       `json:"channel"`
	Bridge      *ari.Bridge        `json:"bridge"`
	Recording   *ari.LiveRecording `json:"recording"`
	Cause       int                `json:"cause"`
	CauseTxt    string             `json:"cause_txt"`
}

// Timestamp layouts seen on the wire, most specific first.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05.000Z0700",
	time.RFC3339Nano,
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Parse normalizes one raw frame. Unknown types are returned as
// Unknown, not as an error.
func Parse(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: no type", ErrMalformed)
	}

	h := Header{Type: w.Type, Application: w.Application, Timestamp: parseTimestamp(w.Timestamp)}
	kind := wireKinds[w.Type]

	needChannel := func() (ari.Channel, error) {
		if w.Channel == nil {
			return ari.Channel{}, fmt.Errorf("%w: %s without channel", ErrMissingField, w.Type)
		}
		return *w.Channel, nil
	}
	needBridge := func() (ari.Bridge, error) {
		if w.Bridge == nil {
			return ari.Bridge{}, fmt.Errorf("%w: %s without bridge", ErrMissingField, w.Type)
		}
		return *w.Bridge, nil
	}
	needRecording := func() (ari.LiveRecording, error) {
		if w.Recording == nil {
			return ari.LiveRecording{}, fmt.Errorf("%w: %s without recording", ErrMissingField, w.Type)
		}
		return *w.Recording, nil
	}

	switch kind {
	case KindStasisStart, KindStasisEnd, KindChannelCreated, KindChannelStateChange, KindChannelDestroyed:
		ch, err := needChannel()
		if err != nil {
			return nil, err
		}
		switch kind {
		case KindStasisStart:
			return StasisStart{Header: h, Args: w.Args, Channel: ch}, nil
		case KindStasisEnd:
			return StasisEnd{Header: h, Channel: ch}, nil
		case KindChannelCreated:
			return ChannelCreated{Header: h, Channel: ch}, nil
		case KindChannelStateChange:
			return ChannelStateChange{Header: h, Channel: ch}, nil
		default:
			return ChannelDestroyed{Header: h, Channel: ch, Cause: w.Cause, CauseTxt: w.CauseTxt}, nil
		}

	case KindChannelEnteredBridge, KindChannelLeftBridge:
		ch, err := needChannel()
		if err != nil {
			return nil, err
		}
		br, err := needBridge()
		if err != nil {
			return nil, err
		}
		if kind == KindChannelEnteredBridge {
			return ChannelEnteredBridge{Header: h, Bridge: br, Channel: ch}, nil
		}
		return ChannelLeftBridge{Header: h, Bridge: br, Channel: ch}, nil

	case KindBridgeCreated, KindBridgeDestroyed:
		br, err := needBridge()
		if err != nil {
			return nil, err
		}
		if kind == KindBridgeCreated {
			return BridgeCreated{Header: h, Bridge: br}, nil
		}
		return BridgeDestroyed{Header: h, Bridge: br}, nil

	case KindRecordingStarted, KindRecordingFinished, KindRecordingFailed:
		rec, err := needRecording()
		if err != nil {
			return nil, err
		}
		switch kind {
		case KindRecordingStarted:
			return RecordingStarted{Header: h, Recording: rec}, nil
		case KindRecordingFinished:
			return RecordingFinished{Header: h, Recording: rec}, nil
		default:
			return RecordingFailed{Header: h, Recording: rec}, nil
		}
	}

	return Unknown{Header: h, Raw: append(json.RawMessage(nil), raw...)}, nil
}

// ChannelOf returns the channel an event is about, if any.
func ChannelOf(ev Event) (ari.Channel, bool) {
	switch e := ev.(type) {
	case StasisStart:
		return e.Channel, true
	case StasisEnd:
		return e.Channel, true
	case ChannelCreated:
		return e.Channel, true
	case ChannelStateChange:
		return e.Channel, true
	case ChannelDestroyed:
		return e.Channel, true
	case ChannelEnteredBridge:
		return e.Channel, true
	case ChannelLeftBridge:
		return e.Channel, true
	}
	return ari.Channel{}, false
}

// Key returns the serialization key for an event: the channel id for
// channel events, the bridge id for bridge events and the recording
// name for recording events.
func Key(ev Event) string {
	if ch, ok := ChannelOf(ev); ok {
		return ch.ID
	}
	switch e := ev.(type) {
	case BridgeCreated:
		return e.Bridge.ID
	case BridgeDestroyed:
		return e.Bridge.ID
	case RecordingStarted:
		return e.Recording.Name
	case RecordingFinished:
		return e.Recording.Name
	case RecordingFailed:
		return e.Recording.Name
	}
	return ""
}

// CallIDFromArgs derives the external call id for a channel entering
// the application: args[1], then args[0], then the channel name, then
// the channel id.
func CallIDFromArgs(args []string, ch ari.Channel) string {
	if len(args) > 1 && strings.TrimSpace(args[1]) != "" {
		return strings.TrimSpace(args[1])
	}
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0])
	}
	if ch.Name != "" {
		return ch.Name
	}
	return ch.ID
}

// RecordingTarget splits a recording's target_uri ("channel:ID" or
// "bridge:ID").
func RecordingTarget(rec ari.LiveRecording) (ari.Target, bool) {
	kind, id, ok := strings.Cut(rec.TargetURI, ":")
	if !ok || id == "" {
		return ari.Target{}, false
	}
	switch kind {
	case "channel":
		return ari.ChannelTarget(id), true
	case "bridge":
		return ari.BridgeTarget(id), true
	}
	return ari.Target{}, false
}
