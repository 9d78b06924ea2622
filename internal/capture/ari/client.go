package ari

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// resource selects how a 404 from a given endpoint is classified.
type resource int

const (
	resChannel resource = iota
	resBridge
	resRecording
	resVariable
	resOther
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	// BaseURL is the REST root, e.g. http://localhost:8088/ari.
	BaseURL  string
	Username string
	Password string
	// App is the application channels are attached to by taps and originates.
	App string
	// Timeout bounds each request.
	Timeout time.Duration
	// RateLimit is requests per second; 0 disables the limiter.
	RateLimit float64
	Burst     int
	Capture   CaptureOptions
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client is the controller REST client.
type Client struct {
	cfg     ClientConfig
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
}

var _ Transport = (*Client)(nil)

// NewClient creates a REST client. The base URL must parse.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Capture.Format == "" {
		cfg.Capture = DefaultCaptureOptions()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{cfg: cfg, base: base, http: hc, limiter: limiter}, nil
}

// App returns the configured application name.
func (c *Client) App() string {
	return c.cfg.App
}

// do performs one request and classifies the response. A 2xx body is
// returned as-is; everything else is mapped to the error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, res resource, id string) ([]byte, error) {
	op := method + " " + path

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransientTransportError{Op: op, Err: err}
	}

	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientTransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientTransportError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		switch res {
		case resChannel:
			return nil, &IrrecoverableChannelError{ChannelID: id, Op: op}
		case resRecording:
			return nil, &NotReadyError{Name: id}
		case resBridge:
			return nil, &NotFoundError{Resource: "bridge", ID: id}
		default:
			return nil, &NotFoundError{Resource: path, ID: id}
		}
	case resp.StatusCode == http.StatusConflict:
		return nil, &ConflictError{Op: op, Resource: id, Detail: strings.TrimSpace(string(body))}
	case resp.StatusCode >= 500:
		return nil, &TransientTransportError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
}

func decode[T any](body []byte, op string) (*T, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", op, err)
	}
	return &v, nil
}

// GetChannel fetches a channel. A missing channel is an IrrecoverableChannelError.
func (c *Client) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	body, err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID), nil, resChannel, channelID)
	if err != nil {
		return nil, err
	}
	return decode[Channel](body, "get channel")
}

// ListChannels returns every channel known to the controller.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	body, err := c.do(ctx, http.MethodGet, "/channels", nil, resOther, "")
	if err != nil {
		return nil, err
	}
	list, err := decode[[]Channel](body, "list channels")
	if err != nil {
		return nil, err
	}
	return *list, nil
}

// GetBridge fetches a bridge with its member channel ids.
func (c *Client) GetBridge(ctx context.Context, bridgeID string) (*Bridge, error) {
	body, err := c.do(ctx, http.MethodGet, "/bridges/"+url.PathEscape(bridgeID), nil, resBridge, bridgeID)
	if err != nil {
		return nil, err
	}
	return decode[Bridge](body, "get bridge")
}

// ListBridges returns every bridge known to the controller.
func (c *Client) ListBridges(ctx context.Context) ([]Bridge, error) {
	body, err := c.do(ctx, http.MethodGet, "/bridges", nil, resOther, "")
	if err != nil {
		return nil, err
	}
	list, err := decode[[]Bridge](body, "list bridges")
	if err != nil {
		return nil, err
	}
	return *list, nil
}

// ChannelBridge scans the bridge list for the one holding channelID.
func (c *Client) ChannelBridge(ctx context.Context, channelID string) (string, error) {
	bridges, err := c.ListBridges(ctx)
	if err != nil {
		return "", err
	}
	for i := range bridges {
		if bridges[i].Contains(channelID) {
			return bridges[i].ID, nil
		}
	}
	return "", nil
}

// GetVariable reads a channel variable. An unset variable yields "".
func (c *Client) GetVariable(ctx context.Context, channelID, name string) (string, error) {
	q := url.Values{"variable": {name}}
	body, err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID)+"/variable", q, resVariable, channelID)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return "", nil
		}
		return "", err
	}
	v, err := decode[struct {
		Value string `json:"value"`
	}](body, "get variable")
	if err != nil {
		return "", err
	}
	return v.Value, nil
}

// SetVariable writes a channel variable.
func (c *Client) SetVariable(ctx context.Context, channelID, name, value string) error {
	q := url.Values{"variable": {name}, "value": {value}}
	_, err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/variable", q, resChannel, channelID)
	return err
}

// StartCapture begins an open-ended recording of a channel or bridge.
func (c *Client) StartCapture(ctx context.Context, target Target, name string) error {
	opts := c.cfg.Capture
	q := url.Values{
		"name":               {name},
		"format":             {opts.Format},
		"maxDurationSeconds": {"0"},
		"maxSilenceSeconds":  {"0"},
		"ifExists":           {opts.IfExists},
		"beep":               {strconv.FormatBool(opts.Beep)},
		"terminateOn":        {opts.TerminateOn},
	}

	var path string
	res := resChannel
	switch target.Kind {
	case TargetBridge:
		path = "/bridges/" + url.PathEscape(target.ID) + "/record"
		res = resBridge
	default:
		path = "/channels/" + url.PathEscape(target.ID) + "/record"
	}

	if _, err := c.do(ctx, http.MethodPost, path, q, res, target.ID); err != nil {
		return err
	}
	slog.Debug("[ARI] Capture requested", "target", target.String(), "recording", name)
	return nil
}

// StopCapture stops a live recording. Stopping an unknown or finished
// recording succeeds.
func (c *Client) StopCapture(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodPost, "/recordings/live/"+url.PathEscape(name)+"/stop", nil, resRecording, name)
	if err != nil && (IsNotReady(err) || IsConflict(err)) {
		return nil
	}
	return err
}

// CaptureState reports the live recording state. A recording the
// controller does not know yet is a NotReadyError.
func (c *Client) CaptureState(ctx context.Context, name string) (*LiveRecording, error) {
	body, err := c.do(ctx, http.MethodGet, "/recordings/live/"+url.PathEscape(name), nil, resRecording, name)
	if err != nil {
		return nil, err
	}
	return decode[LiveRecording](body, "capture state")
}

// CaptureSnapshot downloads the recording file written so far.
func (c *Client) CaptureSnapshot(ctx context.Context, name string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/recordings/stored/"+url.PathEscape(name)+"/file", nil, resRecording, name)
}

// CreateTap creates a snoop channel on channelID and returns its id.
func (c *Client) CreateTap(ctx context.Context, channelID string, spec TapSpec) (string, error) {
	if spec.App == "" {
		spec.App = c.cfg.App
	}
	if spec.Spy == "" {
		spec.Spy = "both"
	}
	if spec.Whisper == "" {
		spec.Whisper = "none"
	}
	q := url.Values{"app": {spec.App}, "spy": {spec.Spy}, "whisper": {spec.Whisper}}
	if spec.AppArgs != "" {
		q.Set("appArgs", spec.AppArgs)
	}

	body, err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/snoop", q, resChannel, channelID)
	if err != nil {
		return "", err
	}
	ch, err := decode[Channel](body, "create tap")
	if err != nil {
		return "", err
	}
	return ch.ID, nil
}

// Continue moves a channel out of the application to a dialplan location.
func (c *Client) Continue(ctx context.Context, channelID, dialContext, exten string, priority int) error {
	q := url.Values{"context": {dialContext}, "extension": {exten}, "priority": {strconv.Itoa(priority)}}
	_, err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/continue", q, resChannel, channelID)
	return err
}

// Redirect transfers a channel to another endpoint.
func (c *Client) Redirect(ctx context.Context, channelID, endpoint string) error {
	q := url.Values{"endpoint": {endpoint}}
	_, err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/redirect", q, resChannel, channelID)
	return err
}

// MoveToApplication hands a channel off to dest.Room. Each context is
// tried with continue; a 400 moves on to the next, a 409 means the
// channel already left the application and counts as success. When no
// context accepts, the channel is redirected to a local endpoint in the
// last context tried.
func (c *Client) MoveToApplication(ctx context.Context, channelID string, dest Destination) error {
	ch, err := c.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	contexts := handoffContexts(dest.Contexts, ch.Dialplan.Context)

	var lastErr error
	for _, dc := range contexts {
		err := c.Continue(ctx, channelID, dc, dest.Room, 1)
		switch {
		case err == nil:
			slog.Info("[ARI] Channel continued", "channel_id", channelID, "room", dest.Room, "context", dc)
			return nil
		case IsConflict(err):
			slog.Info("[ARI] Channel already continued", "channel_id", channelID, "room", dest.Room)
			return nil
		case IsIrrecoverable(err):
			return err
		case StatusCode(err) == http.StatusBadRequest:
			lastErr = err
			continue
		default:
			lastErr = err
			slog.Warn("[ARI] Continue failed", "channel_id", channelID, "context", dc, "error", err)
		}
	}

	fallback := "meetme"
	if len(contexts) > 0 {
		fallback = contexts[len(contexts)-1]
	}
	endpoint := fmt.Sprintf("Local/%s@%s", dest.Room, fallback)
	if err := c.Redirect(ctx, channelID, endpoint); err != nil {
		if IsConflict(err) {
			return nil
		}
		return fmt.Errorf("hand-off %s to %s: continue: %v; redirect: %w", channelID, dest.Room, lastErr, err)
	}
	slog.Info("[ARI] Channel redirected", "channel_id", channelID, "endpoint", endpoint)
	return nil
}

// handoffContexts places the channel's own context second, after the
// first configured one, dropping duplicates.
func handoffContexts(configured []string, own string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if len(configured) > 0 {
		add(configured[0])
	}
	add(own)
	for _, s := range configured {
		add(s)
	}
	return out
}

// CreateBridge creates a bridge owned by this application.
func (c *Client) CreateBridge(ctx context.Context, kind string) (*Bridge, error) {
	if kind == "" {
		kind = "mixing"
	}
	body, err := c.do(ctx, http.MethodPost, "/bridges", url.Values{"type": {kind}}, resOther, "")
	if err != nil {
		return nil, err
	}
	return decode[Bridge](body, "create bridge")
}

// AddToBridge adds a channel to a bridge.
func (c *Client) AddToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	_, err := c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, resBridge, bridgeID)
	return err
}

// RemoveFromBridge removes a channel from a bridge.
func (c *Client) RemoveFromBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	_, err := c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/removeChannel", q, resBridge, bridgeID)
	return err
}

// DestroyBridge deletes a bridge. A missing bridge is not an error.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil, resBridge, bridgeID)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// Originate creates an outbound channel that enters the application on answer.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) (string, error) {
	if req.App == "" {
		req.App = c.cfg.App
	}
	q := url.Values{"endpoint": {req.Endpoint}, "app": {req.App}}
	if req.AppArgs != "" {
		q.Set("appArgs", req.AppArgs)
	}
	if req.CallerID != "" {
		q.Set("callerId", req.CallerID)
	}
	if req.ChannelID != "" {
		q.Set("channelId", req.ChannelID)
	}
	if req.Timeout > 0 {
		q.Set("timeout", strconv.Itoa(int(req.Timeout/time.Second)))
	}

	body, err := c.do(ctx, http.MethodPost, "/channels", q, resOther, req.Endpoint)
	if err != nil {
		return "", err
	}
	ch, err := decode[Channel](body, "originate")
	if err != nil {
		return "", err
	}
	return ch.ID, nil
}

// Hangup hangs up a channel. A missing channel is not an error.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, resChannel, channelID)
	if IsIrrecoverable(err) {
		return nil
	}
	return err
}
