package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/callcapture/internal/capture/ari"
)

// Extractor names accepted by NewChain.
const (
	ExtractorVariable = "variable"
	ExtractorName     = "name"
	ExtractorDialplan = "dialplan"
	ExtractorURI      = "uri"
)

// DefaultExtractorOrder is variable lookup, then name pattern, then
// dialplan context.
var DefaultExtractorOrder = []string{ExtractorVariable, ExtractorName, ExtractorDialplan}

// Room is a hand-off destination and where it came from.
type Room struct {
	Number string `json:"number"`
	Source string `json:"source"`
	// Detail names the variable or field the value was read from.
	Detail string `json:"detail,omitempty"`
}

// VariableReader reads channel variables. ari.Transport satisfies it.
type VariableReader interface {
	GetVariable(ctx context.Context, channelID, name string) (string, error)
}

// Extractor derives a destination room from one kind of channel metadata.
// ok is false when this extractor has no opinion.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, ch *ari.Channel) (room Room, ok bool, err error)
}

// VariableExtractor reads the first non-empty of a list of channel
// variables.
type VariableExtractor struct {
	vars  VariableReader
	names []string
}

// NewVariableExtractor creates a VariableExtractor over names, in order.
func NewVariableExtractor(vars VariableReader, names []string) *VariableExtractor {
	return &VariableExtractor{vars: vars, names: names}
}

func (e *VariableExtractor) Name() string { return ExtractorVariable }

func (e *VariableExtractor) Extract(ctx context.Context, ch *ari.Channel) (Room, bool, error) {
	if e.vars == nil {
		return Room{}, false, nil
	}
	for _, name := range e.names {
		v, err := e.vars.GetVariable(ctx, ch.ID, name)
		if err != nil {
			if ari.IsIrrecoverable(err) {
				return Room{}, false, err
			}
			slog.Debug("[Selector] Variable lookup failed",
				"channel_id", ch.ID,
				"variable", name,
				"error", err,
			)
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			return Room{Number: v, Source: ExtractorVariable, Detail: name}, true, nil
		}
	}
	return Room{}, false, nil
}

// NamePatternExtractor parses "Local/<digits>@<context>-..." channel names.
type NamePatternExtractor struct {
	prefix    string
	minDigits int
}

// NewNamePatternExtractor creates a NamePatternExtractor. An empty
// prefix means "Local/".
func NewNamePatternExtractor(prefix string, minDigits int) *NamePatternExtractor {
	if prefix == "" {
		prefix = "Local/"
	}
	return &NamePatternExtractor{prefix: prefix, minDigits: minDigits}
}

func (e *NamePatternExtractor) Name() string { return ExtractorName }

func (e *NamePatternExtractor) Extract(_ context.Context, ch *ari.Channel) (Room, bool, error) {
	room, ok := RoomFromLocalName(ch.Name, e.prefix, e.minDigits)
	if !ok {
		return Room{}, false, nil
	}
	return Room{Number: room, Source: ExtractorName, Detail: ch.Name}, true, nil
}

// RoomFromLocalName extracts the numeric extension of a local channel
// name such as "Local/8600051@default-00000038;1".
func RoomFromLocalName(name, prefix string, minDigits int) (string, bool) {
	idx := strings.Index(name, prefix)
	if idx < 0 {
		return "", false
	}
	rest := name[idx+len(prefix):]
	at := strings.IndexByte(rest, '@')
	if at < 0 {
		return "", false
	}
	local := rest[:at]
	if !isDigits(local) || len(local) < minDigits {
		return "", false
	}
	return local, true
}

// DialplanExtractor reads the channel's dialplan location. A context
// naming a conference (conf, meetme) yields its numeric extension; a
// context of the form "<digits>@<ctx>" yields the digits.
type DialplanExtractor struct {
	minDigits int
	keywords  []string
}

// NewDialplanExtractor creates a DialplanExtractor.
func NewDialplanExtractor(minDigits int) *DialplanExtractor {
	return &DialplanExtractor{minDigits: minDigits, keywords: []string{"conf", "meetme"}}
}

func (e *DialplanExtractor) Name() string { return ExtractorDialplan }

func (e *DialplanExtractor) Extract(_ context.Context, ch *ari.Channel) (Room, bool, error) {
	dp := ch.Dialplan
	lower := strings.ToLower(dp.Context)
	for _, kw := range e.keywords {
		if strings.Contains(lower, kw) && dp.Exten != "" && isDigits(dp.Exten) {
			return Room{Number: dp.Exten, Source: ExtractorDialplan, Detail: "exten"}, true, nil
		}
	}
	if at := strings.IndexByte(dp.Context, '@'); at > 0 {
		head := dp.Context[:at]
		if isDigits(head) && len(head) >= e.minDigits {
			return Room{Number: head, Source: ExtractorDialplan, Detail: "context"}, true, nil
		}
	}
	return Room{}, false, nil
}

// URIExtractor reads SIP URIs from channel variables and uses a numeric
// user part as the room.
type URIExtractor struct {
	vars      VariableReader
	names     []string
	minDigits int
}

// NewURIExtractor creates a URIExtractor over variable names.
func NewURIExtractor(vars VariableReader, names []string, minDigits int) *URIExtractor {
	return &URIExtractor{vars: vars, names: names, minDigits: minDigits}
}

func (e *URIExtractor) Name() string { return ExtractorURI }

func (e *URIExtractor) Extract(ctx context.Context, ch *ari.Channel) (Room, bool, error) {
	if e.vars == nil {
		return Room{}, false, nil
	}
	for _, name := range e.names {
		raw, err := e.vars.GetVariable(ctx, ch.ID, name)
		if err != nil {
			if ari.IsIrrecoverable(err) {
				return Room{}, false, err
			}
			continue
		}
		user, ok := uriUser(raw)
		if ok && isDigits(user) && len(user) >= e.minDigits {
			return Room{Number: user, Source: ExtractorURI, Detail: name}, true, nil
		}
	}
	return Room{}, false, nil
}

func uriUser(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	// Header values may carry a display name and angle brackets.
	if lt := strings.IndexByte(raw, '<'); lt >= 0 {
		if gt := strings.IndexByte(raw[lt:], '>'); gt > 0 {
			raw = raw[lt+1 : lt+gt]
		}
	}
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return "", false
	}
	return uri.User, uri.User != ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ChainConfig feeds the extractors built by NewChain.
type ChainConfig struct {
	Order         []string
	RoomVariables []string
	URIVariables  []string
	LocalPrefix   string
	MinDigits     int
}

// Chain runs extractors in order and returns the first hit.
type Chain struct {
	extractors []Extractor
}

// NewChainOf builds a chain from explicit extractors.
func NewChainOf(extractors ...Extractor) *Chain {
	return &Chain{extractors: extractors}
}

// NewChain builds the configured extractor order. An empty order uses
// DefaultExtractorOrder.
func NewChain(cfg ChainConfig, vars VariableReader) (*Chain, error) {
	order := cfg.Order
	if len(order) == 0 {
		order = DefaultExtractorOrder
	}
	c := &Chain{}
	seen := make(map[string]bool, len(order))
	for _, name := range order {
		name = strings.ToLower(strings.TrimSpace(name))
		if seen[name] {
			continue
		}
		seen[name] = true
		switch name {
		case ExtractorVariable:
			c.extractors = append(c.extractors, NewVariableExtractor(vars, cfg.RoomVariables))
		case ExtractorName:
			c.extractors = append(c.extractors, NewNamePatternExtractor(cfg.LocalPrefix, cfg.MinDigits))
		case ExtractorDialplan:
			c.extractors = append(c.extractors, NewDialplanExtractor(cfg.MinDigits))
		case ExtractorURI:
			c.extractors = append(c.extractors, NewURIExtractor(vars, cfg.URIVariables, cfg.MinDigits))
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownExtractor, name)
		}
	}
	return c, nil
}

// Names returns the extractor order.
func (c *Chain) Names() []string {
	out := make([]string, len(c.extractors))
	for i, e := range c.extractors {
		out[i] = e.Name()
	}
	return out
}

// Resolve returns the first room any extractor derives for ch. When
// none does it returns an AmbiguousCorrelationError. A channel that
// has disappeared aborts the chain with that error.
func (c *Chain) Resolve(ctx context.Context, ch *ari.Channel) (Room, error) {
	if ch == nil {
		return Room{}, &AmbiguousCorrelationError{Tried: c.Names()}
	}
	for _, e := range c.extractors {
		room, ok, err := e.Extract(ctx, ch)
		if err != nil {
			return Room{}, fmt.Errorf("extract %s: %w", e.Name(), err)
		}
		if ok {
			slog.Info("[Selector] Destination derived",
				"channel_id", ch.ID,
				"room", room.Number,
				"source", room.Source,
				"detail", room.Detail,
			)
			return room, nil
		}
	}
	return Room{}, &AmbiguousCorrelationError{ChannelID: ch.ID, Tried: c.Names()}
}

// ResolveAny tries ch first, then each related channel, returning the
// first hit. Related channels are typically other legs of the same call.
func (c *Chain) ResolveAny(ctx context.Context, ch *ari.Channel, related ...*ari.Channel) (Room, error) {
	room, err := c.Resolve(ctx, ch)
	if err == nil || !IsAmbiguous(err) {
		return room, err
	}
	for _, r := range related {
		if r == nil || (ch != nil && r.ID == ch.ID) {
			continue
		}
		if room, rerr := c.Resolve(ctx, r); rerr == nil {
			return room, nil
		}
	}
	return Room{}, err
}
