package registry

import (
	"log/slog"
	"sort"
	"time"
)

// Ticket records deferred capture for a channel held in an externally
// owned bridge. It is consumed exactly once: by the event path, by the
// sweeper, or by release/expiry.
type Ticket struct {
	ChannelID string    `json:"channel_id"`
	BridgeID  string    `json:"bridge_id"`
	SessionID string    `json:"session_id"`
	Room      string    `json:"room,omitempty"`
	TapID     string    `json:"tap_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// TapFailures counts tap captures that failed to start.
	TapFailures int `json:"tap_failures,omitempty"`
}

// Age returns how long the ticket has been outstanding.
func (t Ticket) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// AddTicket creates a ticket for t.ChannelID. Returns false if one is
// already outstanding for that channel.
func (r *Registry) AddTicket(t Ticket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tickets[t.ChannelID]; ok {
		return false
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now()
	}
	r.tickets[t.ChannelID] = &t
	r.ticketsCreated++

	slog.Info("[Registry] Pending capture ticket created",
		"channel_id", t.ChannelID,
		"bridge_id", t.BridgeID,
		"session_id", t.SessionID,
		"room", t.Room,
	)
	return true
}

// TakeTicket atomically removes and returns the ticket for channelID.
// Of any number of concurrent callers exactly one gets ok == true.
func (r *Registry) TakeTicket(channelID string) (Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumeLocked(channelID)
}

func (r *Registry) consumeLocked(channelID string) (Ticket, bool) {
	t, ok := r.tickets[channelID]
	if !ok {
		return Ticket{}, false
	}
	delete(r.tickets, channelID)
	r.ticketsConsumed++
	n, _ := r.consumed.Get(channelID)
	r.consumed.Set(channelID, n+1, r.endedTTL)
	return *t, true
}

// PeekTicket returns the ticket without consuming it.
func (r *Registry) PeekTicket(channelID string) (Ticket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tickets[channelID]
	if !ok {
		return Ticket{}, false
	}
	return *t, true
}

// TicketsForBridge returns outstanding tickets tracking bridgeID.
func (r *Registry) TicketsForBridge(bridgeID string) []Ticket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Ticket
	for _, t := range r.tickets {
		if t.BridgeID == bridgeID {
			out = append(out, *t)
		}
	}
	sortTickets(out)
	return out
}

// Tickets returns a snapshot of outstanding tickets, oldest first.
func (r *Registry) Tickets() []Ticket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Ticket, 0, len(r.tickets))
	for _, t := range r.tickets {
		out = append(out, *t)
	}
	sortTickets(out)
	return out
}

// MarkTapped records the tap created for a still-trapped channel.
// Returns false if the ticket is gone or already tapped.
func (r *Registry) MarkTapped(channelID, tapID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[channelID]
	if !ok || t.TapID != "" {
		return false
	}
	t.TapID = tapID
	return true
}

// NoteTapFailure counts a failed tap attempt for channelID's ticket and
// returns the new total, or 0 if the ticket is gone.
func (r *Registry) NoteTapFailure(channelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[channelID]
	if !ok {
		return 0
	}
	t.TapFailures++
	return t.TapFailures
}

// Consumptions returns how many times tickets for channelID were
// consumed within the ended-channel retention window.
func (r *Registry) Consumptions(channelID string) int {
	n, _ := r.consumed.Get(channelID)
	return n
}

func sortTickets(t []Ticket) {
	sort.Slice(t, func(i, j int) bool {
		if t[i].CreatedAt.Equal(t[j].CreatedAt) {
			return t[i].ChannelID < t[j].ChannelID
		}
		return t[i].CreatedAt.Before(t[j].CreatedAt)
	})
}
