package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/animahub/bitrixbridge/internal/anima"
	"github.com/animahub/bitrixbridge/internal/bitrix"
	"github.com/animahub/bitrixbridge/internal/flow"
	"github.com/animahub/bitrixbridge/internal/scheduler"
	"github.com/animahub/bitrixbridge/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// cleanupCron runs the stale session sweep at the top of every hour.
const cleanupCron = "0 * * * *"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the webhook endpoint to the flow engine and its
// collaborators.
type Server struct {
	addr      string
	store     store.Store
	sessions  *flow.Sessions
	engine    *flow.Engine
	connector *anima.Connector
}

// NewServer creates an API server over already constructed modules.
func NewServer(st store.Store, sessions *flow.Sessions, engine *flow.Engine, connector *anima.Connector, addr string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		addr:      addr,
		store:     st,
		sessions:  sessions,
		engine:    engine,
		connector: connector,
	}
}

// Handler returns the route table. Exposed separately so tests can drive the
// server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/instances/", s.instanceHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// ListenAndServe starts the HTTP server and blocks.
func (s *Server) ListenAndServe() error {
	slog.Info("Server.ListenAndServe: API listening", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.Handler())
}

// portalResolver adapts the portal gateway to the flow package's channel
// interface.
type portalResolver struct {
	gateway *bitrix.Gateway
}

func (p portalResolver) ForPortal(portal string) (flow.PortalChannel, error) {
	client, err := p.gateway.ForPortal(portal)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Run assembles every module from its options and serves until the process
// exits: store selected by DSN shape, tree client, chat bridge connector,
// portal gateway, flow engine and the hourly session sweep.
func Run(storeOpts []store.Option, animaOpts []anima.Option, connectorOpts []anima.ConnectorOption, bitrixOpts []bitrix.Option, apiOpts []Option) error {
	var apiCfg Opts
	for _, opt := range apiOpts {
		opt(&apiCfg)
	}

	st, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	tree := anima.NewClient(append(animaOpts, anima.WithThreadSource(st))...)
	connector := anima.NewConnector(append(connectorOpts, anima.WithInstanceSource(st))...)
	gateway := bitrix.NewGateway(append(bitrixOpts, bitrix.WithInstanceStore(st))...)
	operator := bitrix.NewOperator(gateway)

	channels := portalResolver{gateway: gateway}
	finalizer := flow.NewFinalizer(st, connector, channels)
	engine := flow.NewEngine(st, tree, channels, operator, finalizer)
	sessions := flow.NewSessions(st, tree)
	janitor := flow.NewJanitor(st, finalizer)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(cleanupCron, func() {
		janitor.CloseStaleSessions(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule session cleanup: %w", err)
	}

	server := NewServer(st, sessions, engine, connector, apiCfg.Addr)
	return server.ListenAndServe()
}

func buildStore(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}

	if cfg.DSN == "" {
		slog.Info("buildStore: no DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		return store.NewPostgresStore(storeOpts...)
	}
	return store.NewSQLiteStore(storeOpts...)
}
