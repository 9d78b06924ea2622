// Package registry is the authoritative in-memory map of capture
// sessions, their channels, and the deferred-capture tickets for
// channels held in bridges the application does not own.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callcapture/internal/capture/store"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrPeerConflict      = errors.New("peer slot already occupied")
	ErrCaptureActive     = errors.New("session already has an active capture")
	ErrSessionEnded      = errors.New("session already ended")
	ErrInvalidTransition = errors.New("invalid capture state transition")
)

// PeerConflictError is returned when a session already has a different peer.
type PeerConflictError struct {
	SessionID string
	Existing  string
	Rejected  string
}

func (e *PeerConflictError) Error() string {
	return fmt.Sprintf("session %s: peer %s rejected, %s already bound", e.SessionID, e.Rejected, e.Existing)
}

func (e *PeerConflictError) Unwrap() error { return ErrPeerConflict }

// TransitionError reports a disallowed capture state change.
type TransitionError struct {
	SessionID string
	From, To  CaptureState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: %s -> %s", e.SessionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ChannelMeta is what is known about a channel when it is first seen.
type ChannelMeta struct {
	Name   string
	CallID string
	Room   string
	Caller string
	Callee string
}

// Session is a logical call. Values returned by the registry are copies.
type Session struct {
	ID            string       `json:"id"`
	CallID        string       `json:"call_id"`
	ChannelID     string       `json:"channel_id"`
	ChannelName   string       `json:"channel_name,omitempty"`
	Caller        string       `json:"caller,omitempty"`
	Callee        string       `json:"callee,omitempty"`
	PeerChannelID string       `json:"peer_channel_id,omitempty"`
	Room          string       `json:"room,omitempty"`
	State         CaptureState `json:"capture_state"`
	Handle        string       `json:"capture_handle,omitempty"`
	TapID         string       `json:"tap_id,omitempty"`
	OwnedBridgeID string       `json:"owned_bridge_id,omitempty"`
	LegInFlight   bool         `json:"leg_in_flight"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ChannelInfo is the registry's record of one channel.
type ChannelInfo struct {
	ChannelID string   `json:"channel_id"`
	SessionID string   `json:"session_id"`
	Role      Role     `json:"role"`
	Bridging  Bridging `json:"bridging"`
	BridgeID  string   `json:"bridge_id,omitempty"`
	// InApp is true while the channel is under this application's control.
	InApp bool `json:"in_app"`
}

// Stats is a point-in-time summary.
type Stats struct {
	Sessions        int   `json:"sessions"`
	Channels        int   `json:"channels"`
	Capturing       int   `json:"capturing"`
	Trapped         int   `json:"trapped"`
	Tickets         int   `json:"tickets"`
	TicketsCreated  int64 `json:"tickets_created"`
	TicketsConsumed int64 `json:"tickets_consumed"`
	RecentlyEnded   int   `json:"recently_ended"`
}

// Registry owns the channel to session mapping. Map access is guarded
// by an internal lock held only for memory operations; callers that
// span controller I/O serialize on LockSession instead.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	channels map[string]*ChannelInfo
	tickets  map[string]*Ticket
	handles  map[string]string
	consumed *store.TTLStore[string, int]

	ticketsCreated  int64
	ticketsConsumed int64

	ended    *store.TTLStore[string, string]
	endedTTL time.Duration
	locks    *KeyedMutex
	now      func() time.Time
	newID    func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithEndedTTL sets how long ended channels are remembered.
func WithEndedTTL(d time.Duration) Option {
	return func(r *Registry) { r.endedTTL = d }
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		channels: make(map[string]*ChannelInfo),
		tickets:  make(map[string]*Ticket),
		handles:  make(map[string]string),
		endedTTL: 5 * time.Minute,
		locks:    NewKeyedMutex(),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ended = store.NewTTLStore[string, string](time.Minute, store.WithClock[string, string](r.now))
	r.consumed = store.NewTTLStore[string, int](time.Minute, store.WithClock[string, int](r.now))
	return r
}

// Close stops background cleanup.
func (r *Registry) Close() {
	r.ended.Close()
	r.consumed.Close()
}

// KeyOf maps a session id or channel id to the session's lock key,
// which is the session's primary channel id. Unknown ids map to
// themselves.
func (r *Registry) KeyOf(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keyOfLocked(id)
}

func (r *Registry) keyOfLocked(id string) string {
	if s, ok := r.sessions[id]; ok {
		return s.ChannelID
	}
	if ch, ok := r.channels[id]; ok {
		if s, ok := r.sessions[ch.SessionID]; ok {
			return s.ChannelID
		}
	}
	return id
}

// LockSession serializes work on the session that id belongs to. If
// the mapping changes while waiting, the lock is re-acquired on the
// new key.
func (r *Registry) LockSession(id string) (key string, unlock func()) {
	for {
		key = r.KeyOf(id)
		unlock = r.locks.Lock(key)
		if r.KeyOf(id) == key {
			return key, unlock
		}
		unlock()
	}
}

// UpsertChannelSeen returns the session for channelID, creating it on
// first sight. Repeated calls for the same channel return the same
// session. Channels of recently released sessions yield ErrSessionEnded.
func (r *Registry) UpsertChannelSeen(channelID string, meta ChannelMeta) (sessionID string, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[channelID]; ok {
		return ch.SessionID, false, nil
	}
	if r.ended.Has(channelID) {
		return "", false, fmt.Errorf("%w: channel %s", ErrSessionEnded, channelID)
	}

	now := r.now()
	s := &Session{
		ID:          r.newID(),
		CallID:      meta.CallID,
		ChannelID:   channelID,
		ChannelName: meta.Name,
		Caller:      meta.Caller,
		Callee:      meta.Callee,
		Room:        meta.Room,
		State:       CaptureNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if s.CallID == "" {
		s.CallID = s.ID
	}
	r.sessions[s.ID] = s
	r.channels[channelID] = &ChannelInfo{ChannelID: channelID, SessionID: s.ID, Role: RolePrimary, InApp: true}

	slog.Info("[Registry] Session created",
		"session_id", s.ID,
		"channel_id", channelID,
		"call_id", s.CallID,
	)
	return s.ID, true, nil
}

// BindPeer attaches the peer leg. Binding the same peer twice is a
// no-op; a different peer is rejected and the original kept.
func (r *Registry) BindPeer(sessionID, peerChannelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.PeerChannelID == peerChannelID {
		return nil
	}
	if s.PeerChannelID != "" {
		err := &PeerConflictError{SessionID: sessionID, Existing: s.PeerChannelID, Rejected: peerChannelID}
		slog.Warn("[Registry] Peer conflict, keeping original",
			"session_id", sessionID,
			"peer_channel_id", s.PeerChannelID,
			"rejected", peerChannelID,
		)
		return err
	}
	if ch, ok := r.channels[peerChannelID]; ok && ch.SessionID != sessionID {
		slog.Warn("[Registry] Peer belongs to another session",
			"session_id", sessionID,
			"channel_id", peerChannelID,
			"other_session_id", ch.SessionID,
		)
		return &PeerConflictError{SessionID: sessionID, Existing: ch.SessionID, Rejected: peerChannelID}
	}

	s.PeerChannelID = peerChannelID
	s.LegInFlight = false
	s.UpdatedAt = r.now()
	r.channels[peerChannelID] = &ChannelInfo{ChannelID: peerChannelID, SessionID: sessionID, Role: RolePeer}

	slog.Info("[Registry] Peer bound", "session_id", sessionID, "peer_channel_id", peerChannelID)
	return nil
}

// UnbindPeer detaches a peer whose leg could not be placed.
func (r *Registry) UnbindPeer(sessionID, peerChannelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.PeerChannelID != peerChannelID {
		return
	}
	s.PeerChannelID = ""
	s.UpdatedAt = r.now()
	delete(r.channels, peerChannelID)
}

// AttachTap maps a tap channel to its session.
func (r *Registry) AttachTap(sessionID, tapID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.TapID = tapID
	s.UpdatedAt = r.now()
	r.channels[tapID] = &ChannelInfo{ChannelID: tapID, SessionID: sessionID, Role: RoleTap, InApp: true}
	return nil
}

// DetachTap forgets tapID. The session's TapID is cleared only when it
// still names this tap.
func (r *Registry) DetachTap(sessionID, tapID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[tapID]; ok && ch.Role == RoleTap {
		delete(r.channels, tapID)
	}
	if s, ok := r.sessions[sessionID]; ok && s.TapID == tapID {
		s.TapID = ""
		s.UpdatedAt = r.now()
	}
}

// RecordCaptureStarted stores the capture handle and moves the session
// to starting. A session holds at most one handle; a different handle
// while one is active returns ErrCaptureActive.
func (r *Registry) RecordCaptureStarted(sessionID, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.Handle != "" {
		if s.Handle == handle {
			return nil
		}
		return fmt.Errorf("%w: %s holds %s", ErrCaptureActive, sessionID, s.Handle)
	}
	if !s.State.CanTransitionTo(CaptureStarting) {
		return &TransitionError{SessionID: sessionID, From: s.State, To: CaptureStarting}
	}
	s.Handle = handle
	r.handles[handle] = sessionID
	s.State = CaptureStarting
	s.UpdatedAt = r.now()
	return nil
}

// RecordCaptureStopped clears the handle and returns it. Stopping a
// session without a handle returns "" and no error.
func (r *Registry) RecordCaptureStopped(sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	handle := s.Handle
	s.Handle = ""
	delete(r.handles, handle)
	if handle != "" && s.State.CanTransitionTo(CaptureStopped) {
		s.State = CaptureStopped
	}
	s.UpdatedAt = r.now()
	return handle, nil
}

// RecordCaptureFailed clears the handle and marks the session failed.
func (r *Registry) RecordCaptureFailed(sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	handle := s.Handle
	s.Handle = ""
	delete(r.handles, handle)
	if s.State.CanTransitionTo(CaptureFailed) {
		s.State = CaptureFailed
	}
	s.UpdatedAt = r.now()
	return handle, nil
}

// SetCaptureState moves the session to next if the transition is valid.
func (r *Registry) SetCaptureState(sessionID string, next CaptureState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !s.State.CanTransitionTo(next) {
		return &TransitionError{SessionID: sessionID, From: s.State, To: next}
	}
	if s.State != next {
		slog.Debug("[Registry] Capture state",
			"session_id", sessionID,
			"from", s.State.String(),
			"to", next.String(),
		)
	}
	s.State = next
	s.UpdatedAt = r.now()
	return nil
}

// SetRoom records the hand-off destination.
func (r *Registry) SetRoom(sessionID, room string) error {
	return r.update(sessionID, func(s *Session) { s.Room = room })
}

// SetOwnedBridge records a mixing bridge the application created.
func (r *Registry) SetOwnedBridge(sessionID, bridgeID string) error {
	return r.update(sessionID, func(s *Session) { s.OwnedBridgeID = bridgeID })
}

// MarkLegInFlight claims the right to originate the session's outbound
// leg. Returns false when a leg is already in flight or bound.
func (r *Registry) MarkLegInFlight(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok || s.LegInFlight || s.PeerChannelID != "" {
		return false
	}
	s.LegInFlight = true
	s.UpdatedAt = r.now()
	return true
}

// ClearLegInFlight releases the claim after a failed origination.
func (r *Registry) ClearLegInFlight(sessionID string) {
	_ = r.update(sessionID, func(s *Session) { s.LegInFlight = false })
}

func (r *Registry) update(sessionID string, fn func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	fn(s)
	s.UpdatedAt = r.now()
	return nil
}

// SetBridging records which bridge a tracked channel is in.
func (r *Registry) SetBridging(channelID string, b Bridging, bridgeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[channelID]; ok {
		ch.Bridging = b
		ch.BridgeID = bridgeID
		if b == BridgingNone {
			ch.BridgeID = ""
		}
	}
}

// SetInApp records whether a tracked channel is under application control.
func (r *Registry) SetInApp(channelID string, in bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[channelID]; ok {
		ch.InApp = in
	}
}

// Channel returns a tracked channel.
func (r *Registry) Channel(channelID string) (ChannelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelID]
	if !ok {
		return ChannelInfo{}, false
	}
	return *ch, true
}

// LookupBySessionOrChannel resolves either kind of id to its session.
func (r *Registry) LookupBySessionOrChannel(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return *s, true
	}
	if ch, ok := r.channels[id]; ok {
		if s, ok := r.sessions[ch.SessionID]; ok {
			return *s, true
		}
	}
	return Session{}, false
}

// SessionByHandle finds the session holding a capture handle.
func (r *Registry) SessionByHandle(handle string) (Session, bool) {
	if handle == "" {
		return Session{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[r.handles[handle]]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SessionsInBridge returns sessions with a channel tracked in bridgeID.
func (r *Registry) SessionsInBridge(bridgeID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []Session
	for _, ch := range r.channels {
		if ch.BridgeID != bridgeID || seen[ch.SessionID] {
			continue
		}
		if s, ok := r.sessions[ch.SessionID]; ok {
			seen[s.ID] = true
			out = append(out, *s)
		}
	}
	sortSessions(out)
	return out
}

// WasEnded reports whether channelID belonged to a recently released session.
func (r *Registry) WasEnded(channelID string) bool {
	return r.ended.Has(channelID)
}

// Release removes a session and all its channels. Outstanding tickets
// for those channels are discarded. The channels are remembered so
// late events do not recreate the session.
func (r *Registry) Release(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	for id, ch := range r.channels {
		if ch.SessionID != sessionID {
			continue
		}
		delete(r.channels, id)
		r.ended.Set(id, sessionID, r.endedTTL)
		if _, ok := r.tickets[id]; ok {
			r.consumeLocked(id)
		}
	}
	delete(r.handles, s.Handle)
	delete(r.sessions, sessionID)

	slog.Info("[Registry] Session released",
		"session_id", sessionID,
		"channel_id", s.ChannelID,
		"state", s.State.String(),
	)
	return *s, true
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sortSessions(out)
	return out
}

// Stats summarizes the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{
		Sessions:        len(r.sessions),
		Channels:        len(r.channels),
		Tickets:         len(r.tickets),
		TicketsCreated:  r.ticketsCreated,
		TicketsConsumed: r.ticketsConsumed,
		RecentlyEnded:   r.ended.Len(),
	}
	for _, s := range r.sessions {
		switch s.State {
		case CaptureCapturing:
			st.Capturing++
		case CaptureTrapped:
			st.Trapped++
		}
	}
	return st
}

func sortSessions(s []Session) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].ID < s[j].ID
		}
		return s[i].CreatedAt.Before(s[j].CreatedAt)
	})
}
