package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// CAPTURE_ARI_URL for ari.url.
const EnvPrefix = "CAPTURE"

// Config holds the capture orchestrator configuration
type Config struct {
	ARI     ARIConfig     `mapstructure:"ari" yaml:"ari"`
	Feed    FeedConfig    `mapstructure:"feed" yaml:"feed"`
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Sweeper SweeperConfig `mapstructure:"sweeper" yaml:"sweeper"`
	Pump    PumpConfig    `mapstructure:"pump" yaml:"pump"`
	Connect ConnectConfig `mapstructure:"connect" yaml:"connect"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	API     APIConfig     `mapstructure:"api" yaml:"api"`
	GRPC    GRPCConfig    `mapstructure:"grpc" yaml:"grpc"`
	RTP     RTPConfig     `mapstructure:"rtp" yaml:"rtp"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// ARIConfig describes how to reach the controller's REST and event APIs.
type ARIConfig struct {
	URL       string `mapstructure:"url" yaml:"url"`
	Username  string `mapstructure:"username" yaml:"username"`
	Password  string `mapstructure:"password" yaml:"password"`
	App       string `mapstructure:"app" yaml:"app"`
	EventsURL string `mapstructure:"events_url" yaml:"events_url"`
	// RequestTimeout bounds every outbound REST call.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	// RateLimit is the sustained request rate per second; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int     `mapstructure:"burst" yaml:"burst"`
}

// Event source modes.
const (
	FeedWebsocket = "websocket"
	FeedPolling   = "polling"
)

// FeedConfig selects the event source and controls its reconnection.
type FeedConfig struct {
	// Mode is websocket (the controller's event stream) or polling
	// (channel listings diffed every PollInterval).
	Mode         string        `mapstructure:"mode" yaml:"mode"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// ReconnectBase is multiplied by the attempt number, capped at ReconnectMax.
	ReconnectBase time.Duration `mapstructure:"reconnect_base" yaml:"reconnect_base"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
}

// CaptureConfig holds capture naming, routing hints and audio parameters.
type CaptureConfig struct {
	Format     string `mapstructure:"format" yaml:"format"`
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels   int    `mapstructure:"channels" yaml:"channels"`
	ChunkSize  int    `mapstructure:"chunk_size" yaml:"chunk_size"`

	// CarrierPattern marks a channel name as an outbound carrier leg.
	CarrierPattern string `mapstructure:"carrier_pattern" yaml:"carrier_pattern"`
	// LocalPrefix marks a channel name as a dialplan-local origin leg.
	LocalPrefix string `mapstructure:"local_prefix" yaml:"local_prefix"`

	// Extractors is the ordered list of destination extraction strategies.
	// Known names: variable, name, dialplan, uri.
	Extractors    []string `mapstructure:"extractors" yaml:"extractors"`
	RoomVariables []string `mapstructure:"room_variables" yaml:"room_variables"`
	// URIVariables are read by the uri extractor and parsed as SIP URIs.
	URIVariables  []string `mapstructure:"uri_variables" yaml:"uri_variables"`
	RoomMinDigits int      `mapstructure:"room_min_digits" yaml:"room_min_digits"`

	// HandoffContexts are tried in order when continuing a channel into a room.
	HandoffContexts []string `mapstructure:"handoff_contexts" yaml:"handoff_contexts"`

	DialEnabled     bool   `mapstructure:"dial_enabled" yaml:"dial_enabled"`
	DialEndpoint    string `mapstructure:"dial_endpoint" yaml:"dial_endpoint"`
	DialStripPrefix string `mapstructure:"dial_strip_prefix" yaml:"dial_strip_prefix"`

	// VerifyDelay is waited before the capture state is checked after start.
	VerifyDelay time.Duration `mapstructure:"verify_delay" yaml:"verify_delay"`
}

// SweeperConfig controls the reconciliation loop.
type SweeperConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	// TicketTTL expires tickets whose destination never resolves.
	TicketTTL time.Duration `mapstructure:"ticket_ttl" yaml:"ticket_ttl"`
	// MaxTapAttempts bounds failed tap captures per ticket.
	MaxTapAttempts int `mapstructure:"max_tap_attempts" yaml:"max_tap_attempts"`
}

// PumpConfig controls the per-session media stream pump.
type PumpConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxEmpty        int           `mapstructure:"max_empty" yaml:"max_empty"`
	ReadyTimeout    time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	ReadyInterval   time.Duration `mapstructure:"ready_interval" yaml:"ready_interval"`
	StateCheckEvery int           `mapstructure:"state_check_every" yaml:"state_check_every"`
}

// ConnectConfig bounds waiting for an originated leg to answer.
type ConnectConfig struct {
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// StoreConfig selects the persistence sink. An empty Path logs instead of persisting.
type StoreConfig struct {
	Path     string `mapstructure:"path" yaml:"path"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
}

// APIConfig controls the HTTP API.
type APIConfig struct {
	Addr         string `mapstructure:"addr" yaml:"addr"`
	WSMaxClients int    `mapstructure:"ws_max_clients" yaml:"ws_max_clients"`
	AuthToken    string `mapstructure:"auth_token" yaml:"auth_token"`
	// IngestToken guards the audio ingest endpoint. Empty disables it.
	IngestToken string `mapstructure:"ingest_token" yaml:"ingest_token"`
}

// GRPCConfig controls the gRPC health endpoint. Empty Addr disables it.
type GRPCConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// RTPConfig controls the RTP fan-out of captured audio.
type RTPConfig struct {
	// Fanout is a comma-separated list of host:port destinations.
	Fanout    string `mapstructure:"fanout" yaml:"fanout"`
	Payload   string `mapstructure:"payload" yaml:"payload"`
	Advertise string `mapstructure:"advertise" yaml:"advertise"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ARI: ARIConfig{
			URL:            "http://localhost:8088/ari",
			Username:       "asterisk",
			App:            "audio-bridge",
			EventsURL:      "ws://localhost:8088/ari/events?app=audio-bridge&subscribeAll=true",
			RequestTimeout: 10 * time.Second,
			RateLimit:      50,
			Burst:          20,
		},
		Feed: FeedConfig{
			Mode:          FeedWebsocket,
			PollInterval:  2 * time.Second,
			ReconnectBase: 10 * time.Second,
			ReconnectMax:  60 * time.Second,
		},
		Capture: CaptureConfig{
			Format:         "wav",
			SampleRate:     8000,
			Channels:       1,
			ChunkSize:      4096,
			CarrierPattern: "SIP/galax",
			LocalPrefix:    "Local/",
			Extractors:     []string{"variable", "name", "dialplan"},
			RoomVariables: []string{
				"MEETME_ROOMNUM", "CONFBRIDGE", "MEETME_ROOM", "CONFERENCE",
				"VICIDIAL_CONF", "CONFBRIDGE_NUM", "MEETME_CONF",
			},
			URIVariables:    []string{"CONF_URI"},
			RoomMinDigits:   6,
			HandoffContexts: []string{"default", "meetme"},
			DialEnabled:     true,
			DialEndpoint:    "SIP/{number}@galax",
			DialStripPrefix: "9",
			VerifyDelay:     500 * time.Millisecond,
		},
		Sweeper: SweeperConfig{
			Interval:       2 * time.Second,
			Concurrency:    8,
			TicketTTL:      10 * time.Minute,
			MaxTapAttempts: 3,
		},
		Pump: PumpConfig{
			PollInterval:    100 * time.Millisecond,
			MaxEmpty:        20,
			ReadyTimeout:    5 * time.Second,
			ReadyInterval:   500 * time.Millisecond,
			StateCheckEvery: 10,
		},
		Connect: ConnectConfig{
			Timeout:  30 * time.Second,
			Interval: 500 * time.Millisecond,
		},
		Store: StoreConfig{Path: "capture.db", PoolSize: 4},
		API:   APIConfig{Addr: ":8090", WSMaxClients: 2000},
		GRPC:  GRPCConfig{Addr: ":8091"},
		RTP:   RTPConfig{Payload: "PCMU"},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// SetDefaults registers default values with v
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("ari.url", d.ARI.URL)
	v.SetDefault("ari.username", d.ARI.Username)
	v.SetDefault("ari.password", d.ARI.Password)
	v.SetDefault("ari.app", d.ARI.App)
	v.SetDefault("ari.events_url", d.ARI.EventsURL)
	v.SetDefault("ari.request_timeout", d.ARI.RequestTimeout)
	v.SetDefault("ari.rate_limit", d.ARI.RateLimit)
	v.SetDefault("ari.burst", d.ARI.Burst)

	v.SetDefault("feed.mode", d.Feed.Mode)
	v.SetDefault("feed.poll_interval", d.Feed.PollInterval)
	v.SetDefault("feed.reconnect_base", d.Feed.ReconnectBase)
	v.SetDefault("feed.reconnect_max", d.Feed.ReconnectMax)

	v.SetDefault("capture.format", d.Capture.Format)
	v.SetDefault("capture.sample_rate", d.Capture.SampleRate)
	v.SetDefault("capture.channels", d.Capture.Channels)
	v.SetDefault("capture.chunk_size", d.Capture.ChunkSize)
	v.SetDefault("capture.carrier_pattern", d.Capture.CarrierPattern)
	v.SetDefault("capture.local_prefix", d.Capture.LocalPrefix)
	v.SetDefault("capture.extractors", d.Capture.Extractors)
	v.SetDefault("capture.room_variables", d.Capture.RoomVariables)
	v.SetDefault("capture.uri_variables", d.Capture.URIVariables)
	v.SetDefault("capture.room_min_digits", d.Capture.RoomMinDigits)
	v.SetDefault("capture.handoff_contexts", d.Capture.HandoffContexts)
	v.SetDefault("capture.dial_enabled", d.Capture.DialEnabled)
	v.SetDefault("capture.dial_endpoint", d.Capture.DialEndpoint)
	v.SetDefault("capture.dial_strip_prefix", d.Capture.DialStripPrefix)
	v.SetDefault("capture.verify_delay", d.Capture.VerifyDelay)

	v.SetDefault("sweeper.interval", d.Sweeper.Interval)
	v.SetDefault("sweeper.concurrency", d.Sweeper.Concurrency)
	v.SetDefault("sweeper.ticket_ttl", d.Sweeper.TicketTTL)
	v.SetDefault("sweeper.max_tap_attempts", d.Sweeper.MaxTapAttempts)

	v.SetDefault("pump.poll_interval", d.Pump.PollInterval)
	v.SetDefault("pump.max_empty", d.Pump.MaxEmpty)
	v.SetDefault("pump.ready_timeout", d.Pump.ReadyTimeout)
	v.SetDefault("pump.ready_interval", d.Pump.ReadyInterval)
	v.SetDefault("pump.state_check_every", d.Pump.StateCheckEvery)

	v.SetDefault("connect.timeout", d.Connect.Timeout)
	v.SetDefault("connect.interval", d.Connect.Interval)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.pool_size", d.Store.PoolSize)

	v.SetDefault("api.addr", d.API.Addr)
	v.SetDefault("api.ws_max_clients", d.API.WSMaxClients)
	v.SetDefault("api.auth_token", d.API.AuthToken)
	v.SetDefault("api.ingest_token", d.API.IngestToken)

	v.SetDefault("grpc.addr", d.GRPC.Addr)

	v.SetDefault("rtp.fanout", d.RTP.Fanout)
	v.SetDefault("rtp.payload", d.RTP.Payload)
	v.SetDefault("rtp.advertise", d.RTP.Advertise)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// flagBindings maps command-line flags to config keys.
var flagBindings = []struct {
	flag, key, usage string
}{
	{"ari-url", "ari.url", "controller REST base URL"},
	{"ari-user", "ari.username", "controller username"},
	{"ari-password", "ari.password", "controller password"},
	{"app", "ari.app", "application name events are filtered by"},
	{"events-url", "ari.events_url", "controller event websocket URL"},
	{"feed-mode", "feed.mode", "event source (websocket, polling)"},
	{"store", "store.path", "SQLite database path (empty logs instead)"},
	{"api-addr", "api.addr", "HTTP API listen address"},
	{"grpc-addr", "grpc.addr", "gRPC health listen address (empty disables)"},
	{"rtp-fanout", "rtp.fanout", "comma-separated RTP fan-out destinations"},
	{"loglevel", "log.level", "log level (debug, info, warn, error)"},
	{"logformat", "log.format", "log format (text, json)"},
}

// RegisterFlags defines the serve flags on fs. Flag defaults are empty so
// that only explicitly set flags override file and environment values.
func RegisterFlags(fs *pflag.FlagSet) {
	for _, b := range flagBindings {
		fs.String(b.flag, "", b.usage)
	}
}

// Load merges defaults, the optional YAML file, CAPTURE_* environment
// variables and explicitly set flags, then validates the result.
func Load(v *viper.Viper, configFile string, fs *pflag.FlagSet) (*Config, error) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for _, b := range flagBindings {
			if f := fs.Lookup(b.flag); f != nil && f.Changed {
				v.Set(b.key, f.Value.String())
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Capture.Extractors = splitList(cfg.Capture.Extractors)
	cfg.Capture.RoomVariables = splitList(cfg.Capture.RoomVariables)
	cfg.Capture.URIVariables = splitList(cfg.Capture.URIVariables)
	cfg.Capture.HandoffContexts = splitList(cfg.Capture.HandoffContexts)

	if cfg.RTP.Fanout != "" && (cfg.RTP.Advertise == "" || !isValidAddress(cfg.RTP.Advertise)) {
		cfg.RTP.Advertise = getPrimaryInterfaceIP()
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ValidationErrors collects every problem found by Validate.
type ValidationErrors []error

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, err := range v {
		msgs[i] = err.Error()
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

// Validate checks the configuration for values the orchestrator cannot run with.
func (c *Config) Validate() []error {
	var errs []error
	if c.ARI.URL == "" {
		errs = append(errs, fmt.Errorf("ari.url is required"))
	}
	if c.ARI.App == "" {
		errs = append(errs, fmt.Errorf("ari.app is required"))
	}
	if c.ARI.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ari.request_timeout must be positive"))
	}
	if c.Capture.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("capture.chunk_size must be positive"))
	}
	for _, name := range c.Capture.Extractors {
		switch name {
		case "variable", "name", "dialplan", "uri":
		default:
			errs = append(errs, fmt.Errorf("capture.extractors: unknown extractor %q", name))
		}
	}
	switch c.Feed.Mode {
	case FeedWebsocket:
	case FeedPolling:
		if c.Feed.PollInterval <= 0 {
			errs = append(errs, fmt.Errorf("feed.poll_interval must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("feed.mode must be websocket or polling, got %q", c.Feed.Mode))
	}
	if c.Sweeper.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sweeper.interval must be positive"))
	}
	if c.Pump.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("pump.poll_interval must be positive"))
	}
	if c.Pump.MaxEmpty <= 0 {
		errs = append(errs, fmt.Errorf("pump.max_empty must be positive"))
	}
	switch strings.ToUpper(c.RTP.Payload) {
	case "PCMU", "PCMA":
	default:
		errs = append(errs, fmt.Errorf("rtp.payload must be PCMU or PCMA, got %q", c.RTP.Payload))
	}
	return errs
}

// FanoutAddrs returns the parsed RTP fan-out destinations.
func (c *Config) FanoutAddrs() []string {
	return parseAddressList(c.RTP.Fanout)
}

// YAML renders the effective configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	if masked.ARI.Password != "" {
		masked.ARI.Password = "********"
	}
	if masked.API.AuthToken != "" {
		masked.API.AuthToken = "********"
	}
	if masked.API.IngestToken != "" {
		masked.API.IngestToken = "********"
	}
	return yaml.Marshal(&masked)
}

// splitList flattens comma-separated entries, which is what a single
// environment variable produces for a list key.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		out = append(out, parseAddressList(s)...)
	}
	return out
}

// parseAddressList parses a comma-separated list of addresses
func parseAddressList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	addrs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			addrs = append(addrs, p)
		}
	}
	return addrs
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
