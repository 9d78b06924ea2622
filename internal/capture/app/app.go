package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/callcapture/internal/capture/api"
	"github.com/sebas/callcapture/internal/capture/ari"
	"github.com/sebas/callcapture/internal/capture/broadcast"
	"github.com/sebas/callcapture/internal/capture/config"
	"github.com/sebas/callcapture/internal/capture/events"
	"github.com/sebas/callcapture/internal/capture/media"
	"github.com/sebas/callcapture/internal/capture/metrics"
	"github.com/sebas/callcapture/internal/capture/orchestrator"
	"github.com/sebas/callcapture/internal/capture/pump"
	"github.com/sebas/callcapture/internal/capture/registry"
	"github.com/sebas/callcapture/internal/capture/store"
	"github.com/sebas/callcapture/internal/capture/strategy"
	"github.com/sebas/callcapture/internal/capture/sweeper"
)

// HealthService is the service name reported by the gRPC health server.
const HealthService = "callcapture.Orchestrator"

// Option overrides a collaborator built from config.
type Option func(*options)

type options struct {
	transport ari.Transport
	source    ari.EventSource
	listener  net.Listener
}

// WithTransport replaces the controller REST client.
func WithTransport(t ari.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithEventSource replaces the controller event feed.
func WithEventSource(src ari.EventSource) Option {
	return func(o *options) { o.source = src }
}

// WithAPIListener serves the HTTP API on ln instead of api.addr.
func WithAPIListener(ln net.Listener) Option {
	return func(o *options) { o.listener = ln }
}

// CaptureOrchestrator owns every component of the service.
type CaptureOrchestrator struct {
	config *config.Config

	transport ari.Transport
	source    ari.EventSource
	registry  *registry.Registry
	selector  *strategy.Selector
	pumps     *pump.Supervisor
	sweeper   *sweeper.Sweeper
	orch      *orchestrator.Orchestrator
	metrics   *metrics.Metrics

	sink      store.Sink
	hub       *broadcast.Hub
	fanout    *media.RTPFanout
	publisher events.Publisher

	apiServer   *api.Server
	apiListener net.Listener
	ingester    *api.Ingester
	grpcServer  *grpc.Server
	health      *health.Server

	closeOnce sync.Once
	closeErr  error
}

// New builds the orchestrator from cfg. Nothing talks to the controller
// until Start.
func New(cfg *config.Config, opts ...Option) (*CaptureOrchestrator, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m := metrics.New()

	transport := o.transport
	if transport == nil {
		client, err := ari.NewClient(ari.ClientConfig{
			BaseURL:   cfg.ARI.URL,
			Username:  cfg.ARI.Username,
			Password:  cfg.ARI.Password,
			App:       cfg.ARI.App,
			Timeout:   cfg.ARI.RequestTimeout,
			RateLimit: cfg.ARI.RateLimit,
			Burst:     cfg.ARI.Burst,
			Capture:   captureOptions(cfg.Capture.Format),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create controller client: %w", err)
		}
		transport = client
	}

	source := o.source
	if source == nil {
		source = newEventSource(cfg, transport)
	}

	chain, err := strategy.NewChain(strategy.ChainConfig{
		Order:         cfg.Capture.Extractors,
		RoomVariables: cfg.Capture.RoomVariables,
		URIVariables:  cfg.Capture.URIVariables,
		LocalPrefix:   cfg.Capture.LocalPrefix,
		MinDigits:     cfg.Capture.RoomMinDigits,
	}, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to build destination extractors: %w", err)
	}

	sink, history, err := openSink(cfg.Store)
	if err != nil {
		return nil, err
	}

	var fanout *media.RTPFanout
	var codec media.Codec
	if addrs := cfg.FanoutAddrs(); len(addrs) > 0 {
		codec, err = media.CodecByName(cfg.RTP.Payload)
		if err != nil {
			_ = sink.Close()
			return nil, err
		}
		fanout, err = media.NewRTPFanout(nil, addrs, codec)
		if err != nil {
			_ = sink.Close()
			return nil, fmt.Errorf("failed to create RTP fan-out: %w", err)
		}
		slog.Info("[App] RTP fan-out enabled", "destinations", addrs, "codec", codec.Name)
	}

	reg := registry.New()
	hub := broadcast.NewHub(cfg.API.WSMaxClients)
	publisher := events.NewMultiPublisher(events.NewLoggingPublisher(nil), hub)

	selector := strategy.New(transport, reg, chain, strategy.Config{
		App:             cfg.ARI.App,
		HandoffContexts: cfg.Capture.HandoffContexts,
		VerifyDelay:     cfg.Capture.VerifyDelay,
		Dial: strategy.DialConfig{
			Enabled:         cfg.Capture.DialEnabled,
			Endpoint:        cfg.Capture.DialEndpoint,
			StripPrefix:     cfg.Capture.DialStripPrefix,
			ConnectTimeout:  cfg.Connect.Timeout,
			ConnectInterval: cfg.Connect.Interval,
		},
	})

	chunkPubs := []pump.ChunkPublisher{hub}
	if fanout != nil {
		chunkPubs = append(chunkPubs, fanout)
	}
	pumps := pump.NewSupervisor(pump.Config{
		PollInterval:    cfg.Pump.PollInterval,
		MaxEmpty:        cfg.Pump.MaxEmpty,
		ReadyTimeout:    cfg.Pump.ReadyTimeout,
		ReadyInterval:   cfg.Pump.ReadyInterval,
		StateCheckEvery: cfg.Pump.StateCheckEvery,
		Format:          cfg.Capture.Format,
		SampleRate:      cfg.Capture.SampleRate,
		Channels:        cfg.Capture.Channels,
		ChunkSize:       cfg.Capture.ChunkSize,
	}, transport, reg, sink, pumpHooks(m, fanout), chunkPubs...)

	orch := orchestrator.New(orchestrator.Config{
		Transport:      transport,
		Registry:       reg,
		Selector:       selector,
		Pumps:          pumps,
		Sink:           sink,
		Publisher:      publisher,
		Metrics:        m,
		App:            cfg.ARI.App,
		CarrierPattern: cfg.Capture.CarrierPattern,
		LocalPrefix:    cfg.Capture.LocalPrefix,
	})

	sw := sweeper.New(transport, reg, selector, orch.SweeperHooks(), sweeper.Config{
		Interval:       cfg.Sweeper.Interval,
		Concurrency:    cfg.Sweeper.Concurrency,
		TicketTTL:      cfg.Sweeper.TicketTTL,
		MaxTapAttempts: cfg.Sweeper.MaxTapAttempts,
	})

	registerScrapeFuncs(m, source, reg, sw, hub)

	apiCfg := api.Config{
		Addr:      cfg.API.Addr,
		AuthToken: cfg.API.AuthToken,
		Sessions:  reg,
		History:   history,
		Sweeper:   sw,
		Pumps:     pumps,
		Stream:    hub,
		Metrics:   m.Handler(),
	}
	var ingester *api.Ingester
	if cfg.API.IngestToken != "" {
		ingestPubs := []api.ChunkPublisher{hub}
		if fanout != nil {
			ingestPubs = append(ingestPubs, fanout)
		}
		ingester = api.NewIngester(media.NewProcessor(cfg.Capture.Format, cfg.Capture.ChunkSize), sink, ingestPubs...)
		apiCfg.IngestToken = cfg.API.IngestToken
		apiCfg.Ingester = ingester
		slog.Info("[App] Audio ingest enabled", "path", "/api/stream/audio/{call_id}")
	}
	if fanout != nil {
		advertise := cfg.RTP.Advertise
		apiCfg.SDP = func() ([]byte, error) {
			port := 0
			if udp, ok := fanout.LocalAddr().(*net.UDPAddr); ok {
				port = udp.Port
			}
			return media.BuildSDP(advertise, port, codec)
		}
	}

	c := &CaptureOrchestrator{
		config:      cfg,
		transport:   transport,
		source:      source,
		registry:    reg,
		selector:    selector,
		pumps:       pumps,
		sweeper:     sw,
		orch:        orch,
		metrics:     m,
		sink:        sink,
		hub:         hub,
		fanout:      fanout,
		publisher:   publisher,
		apiServer:   api.NewServer(apiCfg),
		apiListener: o.listener,
		ingester:    ingester,
	}

	if cfg.GRPC.Addr != "" {
		c.grpcServer = grpc.NewServer()
		c.health = health.NewServer()
		healthpb.RegisterHealthServer(c.grpcServer, c.health)
		c.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	slog.Info("[App] Capture orchestrator created",
		"app", cfg.ARI.App,
		"extractors", chain.Names(),
		"dial_enabled", cfg.Capture.DialEnabled,
		"store", cfg.Store.Path,
	)
	return c, nil
}

func captureOptions(format string) ari.CaptureOptions {
	opts := ari.DefaultCaptureOptions()
	if format != "" {
		opts.Format = format
	}
	return opts
}

// openSink returns the persistence sink and, when it can answer
// lookups, the history view of it.
func openSink(cfg config.StoreConfig) (store.Sink, store.History, error) {
	if cfg.Path == "" {
		slog.Info("[App] No store configured, logging records only")
		return store.NewLoggingSink(nil), nil, nil
	}
	db, err := store.OpenSQLite(store.SQLiteConfig{Path: cfg.Path, PoolSize: cfg.PoolSize})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store.NewMultiSink(db, store.NewLoggingSink(nil)), db, nil
}

func pumpHooks(m *metrics.Metrics, fanout *media.RTPFanout) pump.Hooks {
	return pump.Hooks{
		Started: func(pump.Spec) {
			m.PumpsActive.Inc()
		},
		Chunk: func(chunk store.Chunk) {
			m.Chunks.Inc()
			m.ChunkBytes.Add(float64(len(chunk.Data)))
		},
		Exited: func(res pump.Result) {
			m.PumpsActive.Dec()
			m.PumpExits.WithLabelValues(res.Reason.String()).Inc()
			if fanout != nil {
				fanout.EndSession(res.SessionID)
			}
		},
	}
}

type feedStats interface {
	Connected() bool
}

type reconnectStats interface {
	Reconnects() int64
}

type pollStats interface {
	Polls() int64
	PollErrors() int64
}

func newEventSource(cfg *config.Config, transport ari.Transport) ari.EventSource {
	if cfg.Feed.Mode == config.FeedPolling {
		slog.Info("[App] Using polling event source", "interval", cfg.Feed.PollInterval)
		return ari.NewPoller(transport, ari.PollerConfig{App: cfg.ARI.App, Interval: cfg.Feed.PollInterval})
	}
	return ari.NewFeed(ari.FeedConfig{
		URL:           cfg.ARI.EventsURL,
		Username:      cfg.ARI.Username,
		Password:      cfg.ARI.Password,
		ReconnectBase: cfg.Feed.ReconnectBase,
		ReconnectMax:  cfg.Feed.ReconnectMax,
	})
}

func registerScrapeFuncs(m *metrics.Metrics, source ari.EventSource, reg *registry.Registry, sw *sweeper.Sweeper, hub *broadcast.Hub) {
	if fs, ok := source.(feedStats); ok {
		m.GaugeFunc("feed_connected", "1 while the event feed is connected.", func() float64 {
			if fs.Connected() {
				return 1
			}
			return 0
		})
	}
	if rs, ok := source.(reconnectStats); ok {
		m.CounterFunc("feed_reconnects_total", "Event feed reconnects.", func() float64 {
			return float64(rs.Reconnects())
		})
	}
	if ps, ok := source.(pollStats); ok {
		m.CounterFunc("feed_polls_total", "Channel listings taken by the polling event source.", func() float64 {
			return float64(ps.Polls())
		})
		m.CounterFunc("feed_poll_errors_total", "Failed channel listings.", func() float64 {
			return float64(ps.PollErrors())
		})
	}
	m.CounterFunc("sweeps_total", "Reconciliation sweeps run.", func() float64 {
		return float64(sw.Stats().Sweeps)
	})
	m.GaugeFunc("tickets_pending", "Pending capture tickets outstanding.", func() float64 {
		return float64(reg.Stats().Tickets)
	})
	m.GaugeFunc("stream_clients", "Websocket chunk subscribers.", func() float64 {
		return float64(hub.Clients())
	})
}

// Orchestrator exposes the event dispatcher.
func (c *CaptureOrchestrator) Orchestrator() *orchestrator.Orchestrator { return c.orch }

// Registry exposes the session registry.
func (c *CaptureOrchestrator) Registry() *registry.Registry { return c.registry }

// Metrics exposes the service metrics.
func (c *CaptureOrchestrator) Metrics() *metrics.Metrics { return c.metrics }

// Start runs the event feed, the sweeper, the HTTP API and the gRPC
// health endpoint until ctx is cancelled or one of them fails.
func (c *CaptureOrchestrator) Start(ctx context.Context) error {
	var grpcLn net.Listener
	if c.grpcServer != nil {
		ln, err := net.Listen("tcp", c.config.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
		grpcLn = ln
	}

	g, gCtx := errgroup.WithContext(ctx)

	c.sweeper.Start(gCtx)

	g.Go(func() error {
		slog.Info("[App] Consuming controller events", "app", c.config.ARI.App)
		return c.source.Run(gCtx, c.orch.HandleEvent)
	})

	g.Go(func() error {
		if c.apiListener != nil {
			return c.apiServer.Serve(gCtx, c.apiListener)
		}
		return c.apiServer.Run(gCtx)
	})

	if grpcLn != nil {
		slog.Info("[App] gRPC health listening", "address", grpcLn.Addr().String())
		c.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
		g.Go(func() error {
			return c.grpcServer.Serve(grpcLn)
		})
		g.Go(func() error {
			<-gCtx.Done()
			c.health.Shutdown()
			c.grpcServer.GracefulStop()
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close shuts down in dependency order: event intake, sweeper, pumps,
// outstanding captures, then sinks and publishers. It is safe to call
// more than once.
func (c *CaptureOrchestrator) Close() error {
	c.closeOnce.Do(func() {
		if c.health != nil {
			c.health.Shutdown()
		}

		c.orch.Close()
		c.sweeper.Stop()
		c.pumps.StopAll()
		if c.ingester != nil {
			c.ingester.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		released := c.orch.ReleaseAll(ctx)
		c.registry.Close()

		var errs []error
		if err := c.sink.Close(); err != nil {
			errs = append(errs, err)
		}
		if c.fanout != nil {
			if err := c.fanout.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
		c.closeErr = errors.Join(errs...)

		slog.Info("[App] Capture orchestrator stopped", "sessions_released", released)
	})
	return c.closeErr
}
