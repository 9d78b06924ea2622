// Package aritest provides an in-memory controller for tests.
package aritest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sebas/callcapture/internal/capture/ari"
)

// Operation names recorded in the call journal.
const (
	OpStartCapture = "StartCapture"
	OpStopCapture  = "StopCapture"
	OpCreateTap    = "CreateTap"
	OpHandOff      = "MoveToApplication"
	OpOriginate    = "Originate"
	OpCreateBridge = "CreateBridge"
	OpAddToBridge  = "AddToBridge"
	OpHangup       = "Hangup"
	OpSetVariable  = "SetVariable"
)

// Call is one journaled side-effecting request.
type Call struct {
	Seq  int
	Op   string
	Args []string
	At   time.Time
}

// Fake is a scriptable in-memory Transport.
type Fake struct {
	mu sync.Mutex

	channels   map[string]*ari.Channel
	bridges    map[string]*ari.Bridge
	variables  map[string]map[string]string
	recordings map[string]*ari.LiveRecording
	targets    map[string]ari.Target
	snapshots  map[string][][]byte
	calls      []Call
	nextID     int

	// StartState is the state a new capture enters. Defaults to recording.
	StartState ari.RecordingState
	// FailStarts makes the next N capture starts report success but
	// leave the recording in the failed state.
	FailStarts int
	// OriginateState is the state of originated legs. Defaults to Up.
	OriginateState string
	// HandOffErr is returned by MoveToApplication when set.
	HandOffErr error
	// TapErr is returned by CreateTap when set.
	TapErr error
	// TransientErr, when set, is returned once by the next read call.
	TransientErr error
}

var _ ari.Transport = (*Fake)(nil)

// New creates an empty fake controller.
func New() *Fake {
	return &Fake{
		channels:   make(map[string]*ari.Channel),
		bridges:    make(map[string]*ari.Bridge),
		variables:  make(map[string]map[string]string),
		recordings: make(map[string]*ari.LiveRecording),
		targets:    make(map[string]ari.Target),
		snapshots:  make(map[string][][]byte),
	}
}

func (f *Fake) record(op string, args ...string) {
	f.calls = append(f.calls, Call{Seq: len(f.calls), Op: op, Args: args, At: time.Now()})
}

func (f *Fake) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *Fake) transient() error {
	if f.TransientErr != nil {
		err := f.TransientErr
		f.TransientErr = nil
		return &ari.TransientTransportError{Op: "fake", Err: err}
	}
	return nil
}

// AddChannel registers a channel.
func (f *Fake) AddChannel(ch ari.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := ch
	f.channels[ch.ID] = &c
}

// RemoveChannel deletes a channel and its bridge memberships.
func (f *Fake) RemoveChannel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, id)
	for _, b := range f.bridges {
		b.Channels = without(b.Channels, id)
	}
}

// SetChannelState updates a channel's state.
func (f *Fake) SetChannelState(id, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[id]; ok {
		ch.State = state
	}
}

// AddBridge registers a bridge.
func (f *Fake) AddBridge(b ari.Bridge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := b
	c.Channels = append([]string(nil), b.Channels...)
	f.bridges[b.ID] = &c
}

// RemoveBridge destroys a bridge.
func (f *Fake) RemoveBridge(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bridges, id)
}

// LeaveBridge removes a channel from a bridge without destroying it.
func (f *Fake) LeaveBridge(bridgeID, channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.bridges[bridgeID]; ok {
		b.Channels = without(b.Channels, channelID)
	}
}

// SetVar sets a channel variable without journaling it.
func (f *Fake) SetVar(channelID, name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.variables[channelID] == nil {
		f.variables[channelID] = make(map[string]string)
	}
	f.variables[channelID][name] = value
}

// SetRecordingState forces a recording into state.
func (f *Fake) SetRecordingState(name string, state ari.RecordingState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.recordings[name]; ok {
		rec.State = state
		return
	}
	f.recordings[name] = &ari.LiveRecording{Name: name, State: state}
}

// PushSnapshot queues snapshot results for a recording. Each
// CaptureSnapshot call pops one; an empty queue yields no bytes.
func (f *Fake) PushSnapshot(name string, data ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[name] = append(f.snapshots[name], data...)
}

// Recording returns a copy of a recording's state.
func (f *Fake) Recording(name string) (ari.LiveRecording, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recordings[name]
	if !ok {
		return ari.LiveRecording{}, false
	}
	return *rec, true
}

// TargetOf returns what a recording was started on.
func (f *Fake) TargetOf(name string) (ari.Target, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.targets[name]
	return t, ok
}

// Calls returns the journal, optionally filtered by operation.
func (f *Fake) Calls(ops ...string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(ops) == 0 {
		return append([]Call(nil), f.calls...)
	}
	want := make(map[string]bool, len(ops))
	for _, op := range ops {
		want[op] = true
	}
	var out []Call
	for _, c := range f.calls {
		if want[c.Op] {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times op was called.
func (f *Fake) Count(op string) int {
	return len(f.Calls(op))
}

// ChannelIDs returns the ids of live channels, sorted.
func (f *Fake) ChannelIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.channels))
	for id := range f.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetChannel implements ari.Transport.
func (f *Fake) GetChannel(_ context.Context, channelID string) (*ari.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transient(); err != nil {
		return nil, err
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, &ari.IrrecoverableChannelError{ChannelID: channelID, Op: "get channel"}
	}
	c := *ch
	return &c, nil
}

// ListChannels implements ari.Transport.
func (f *Fake) ListChannels(_ context.Context) ([]ari.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transient(); err != nil {
		return nil, err
	}
	out := make([]ari.Channel, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetBridge implements ari.Transport.
func (f *Fake) GetBridge(_ context.Context, bridgeID string) (*ari.Bridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transient(); err != nil {
		return nil, err
	}
	b, ok := f.bridges[bridgeID]
	if !ok {
		return nil, &ari.NotFoundError{Resource: "bridge", ID: bridgeID}
	}
	c := *b
	c.Channels = append([]string(nil), b.Channels...)
	return &c, nil
}

// ListBridges implements ari.Transport.
func (f *Fake) ListBridges(_ context.Context) ([]ari.Bridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ari.Bridge, 0, len(f.bridges))
	for _, b := range f.bridges {
		c := *b
		c.Channels = append([]string(nil), b.Channels...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ChannelBridge implements ari.Transport.
func (f *Fake) ChannelBridge(_ context.Context, channelID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.bridges))
	for id := range f.bridges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if f.bridges[id].Contains(channelID) {
			return id, nil
		}
	}
	return "", nil
}

// GetVariable implements ari.Transport.
func (f *Fake) GetVariable(_ context.Context, channelID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.variables[channelID][name], nil
}

// SetVariable implements ari.Transport.
func (f *Fake) SetVariable(_ context.Context, channelID, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[channelID]; !ok {
		return &ari.IrrecoverableChannelError{ChannelID: channelID, Op: "set variable"}
	}
	f.record(OpSetVariable, channelID, name, value)
	if f.variables[channelID] == nil {
		f.variables[channelID] = make(map[string]string)
	}
	f.variables[channelID][name] = value
	return nil
}

// StartCapture implements ari.Transport.
func (f *Fake) StartCapture(_ context.Context, target ari.Target, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(OpStartCapture, target.String(), name)

	switch target.Kind {
	case ari.TargetBridge:
		if _, ok := f.bridges[target.ID]; !ok {
			return &ari.NotFoundError{Resource: "bridge", ID: target.ID}
		}
	default:
		if _, ok := f.channels[target.ID]; !ok {
			return &ari.IrrecoverableChannelError{ChannelID: target.ID, Op: "record"}
		}
	}

	state := f.StartState
	if state == "" {
		state = ari.RecordingActive
	}
	if f.FailStarts > 0 {
		f.FailStarts--
		state = ari.RecordingFailed
	}
	f.recordings[name] = &ari.LiveRecording{Name: name, Format: "wav", State: state, TargetURI: target.String()}
	f.targets[name] = target
	return nil
}

// StopCapture implements ari.Transport.
func (f *Fake) StopCapture(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(OpStopCapture, name)
	if rec, ok := f.recordings[name]; ok && !rec.State.IsTerminal() {
		rec.State = ari.RecordingDone
	}
	return nil
}

// CaptureState implements ari.Transport.
func (f *Fake) CaptureState(_ context.Context, name string) (*ari.LiveRecording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transient(); err != nil {
		return nil, err
	}
	rec, ok := f.recordings[name]
	if !ok {
		return nil, &ari.NotReadyError{Name: name}
	}
	c := *rec
	return &c, nil
}

// CaptureSnapshot implements ari.Transport.
func (f *Fake) CaptureSnapshot(_ context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recordings[name]; !ok {
		return nil, &ari.NotReadyError{Name: name}
	}
	queue := f.snapshots[name]
	if len(queue) == 0 {
		return nil, nil
	}
	f.snapshots[name] = queue[1:]
	return queue[0], nil
}

// CreateTap implements ari.Transport.
func (f *Fake) CreateTap(_ context.Context, channelID string, spec ari.TapSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(OpCreateTap, channelID, spec.Spy, spec.Whisper)
	if f.TapErr != nil {
		return "", f.TapErr
	}
	if _, ok := f.channels[channelID]; !ok {
		return "", &ari.IrrecoverableChannelError{ChannelID: channelID, Op: "snoop"}
	}
	id := f.id("tap")
	f.channels[id] = &ari.Channel{ID: id, Name: "Snoop/" + channelID, State: ari.StateUp}
	return id, nil
}

// MoveToApplication implements ari.Transport.
func (f *Fake) MoveToApplication(_ context.Context, channelID string, dest ari.Destination) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(OpHandOff, channelID, dest.Room)
	if f.HandOffErr != nil {
		return f.HandOffErr
	}
	if _, ok := f.channels[channelID]; !ok {
		return &ari.IrrecoverableChannelError{ChannelID: channelID, Op: "continue"}
	}
	return nil
}

// CreateBridge implements ari.Transport.
func (f *Fake) CreateBridge(_ context.Context, kind string) (*ari.Bridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("owned")
	f.record(OpCreateBridge, id, kind)
	b := &ari.Bridge{ID: id, BridgeType: kind, BridgeClass: ari.BridgeClassStasis, Creator: "Stasis"}
	f.bridges[id] = b
	c := *b
	return &c, nil
}

// AddToBridge implements ari.Transport.
func (f *Fake) AddToBridge(_ context.Context, bridgeID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(OpAddToBridge, bridgeID, channelID)
	b, ok := f.bridges[bridgeID]
	if !ok {
		return &ari.NotFoundError{Resource: "bridge", ID: bridgeID}
	}
	if _, ok := f.channels[channelID]; !ok {
		return &ari.IrrecoverableChannelError{ChannelID: channelID, Op: "add to bridge"}
	}
	if !b.Contains(channelID) {
		b.Channels = append(b.Channels, channelID)
	}
	return nil
}

// RemoveFromBridge implements ari.Transport.
func (f *Fake) RemoveFromBridge(_ context.Context, bridgeID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bridges[bridgeID]
	if !ok {
		return &ari.NotFoundError{Resource: "bridge", ID: bridgeID}
	}
	b.Channels = without(b.Channels, channelID)
	return nil
}

// DestroyBridge implements ari.Transport.
func (f *Fake) DestroyBridge(_ context.Context, bridgeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bridges, bridgeID)
	return nil
}

// Originate implements ari.Transport.
func (f *Fake) Originate(_ context.Context, req ari.OriginateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := req.ChannelID
	if id == "" {
		id = f.id("carrier")
	}
	f.record(OpOriginate, req.Endpoint, id)
	state := f.OriginateState
	if state == "" {
		state = ari.StateUp
	}
	f.channels[id] = &ari.Channel{ID: id, Name: "SIP/galax-" + id, State: state}
	return id, nil
}

// Hangup implements ari.Transport.
func (f *Fake) Hangup(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(OpHangup, channelID)
	delete(f.channels, channelID)
	return nil
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
