// Package agent implements the main controller (C10): wires C1-C9,
// exclusively owns component handles, and provides lifecycle management
// (startup ordering, graceful shutdown, crash containment).
//
// Grounded on the teacher's cmd/server/main.go startup/shutdown
// choreography and internal/di's constructor-injection container shape
// (both deleted in the Step 6 pruning pass, see DESIGN.md) — generalized
// from "wire a portfolio-management HTTP server" to "wire the five core
// execution-agent subsystems and run them until signalled".
package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"time"

	"github.com/aristath/sentinel-agent/internal/audit"
	"github.com/aristath/sentinel-agent/internal/bridge"
	"github.com/aristath/sentinel-agent/internal/config"
	"github.com/aristath/sentinel-agent/internal/controlplane"
	"github.com/aristath/sentinel-agent/internal/crypto"
	"github.com/aristath/sentinel-agent/internal/marketdata"
	"github.com/aristath/sentinel-agent/internal/pipeline"
	"github.com/aristath/sentinel-agent/internal/safety"
	"github.com/aristath/sentinel-agent/internal/strategy"
	"github.com/rs/zerolog"
)

// Exit codes, per spec.md §6.
const (
	ExitOK                  = 0
	ExitFatalConfig         = 1
	ExitCredentialFailure   = 2
	ExitStoreCorruption     = 3
)

// ShutdownGrace is the default window the controller allows components
// to finish in-flight work before forcing exit (spec.md §5 "Shutdown").
const ShutdownGrace = 10 * time.Second

// Version is overridden at build time via -ldflags, matching the
// teacher's version-stamping convention.
var Version = "dev"

// Agent owns every component handle exclusively, per spec.md §3
// "Ownership & lifecycle".
type Agent struct {
	cfg *config.Config
	log zerolog.Logger

	store     *audit.Store
	creds     *audit.CredentialBundle
	validator *safety.Validator
	pool      *bridge.Pool
	cache     *marketdata.Cache
	accounts  *accountCache
	monitor   *strategy.Monitor
	pipe      *pipeline.Pipeline
	link      *controlplane.Link
	http      *operatorServer
	house     *housekeeping
}

// New wires every component in dependency order: store, then crypto-
// dependent credential bundle, then safety, then bridge, then the market
// data and account caches, then the pipeline (which needs bridge +
// safety), then the strategy monitor and internal handlers (which need
// the pipeline), then the control-plane link (which needs the pipeline),
// then the operator HTTP surface, and finally the housekeeping schedule.
func New(cfg *config.Config, log zerolog.Logger) (*Agent, error) {
	store, err := audit.Open(audit.Config{Path: cfg.DataDir + "/ledger.db"})
	if err != nil {
		return nil, fmt.Errorf("agent: open audit store: %w", err)
	}

	key, err := credentialKey(cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("agent: derive credential key: %w", err)
	}
	creds := audit.NewCredentialBundle(store, key)
	if err := cfg.UpdateFromCredentials(creds); err != nil {
		store.Close()
		return nil, fmt.Errorf("agent: load credentials: %w", err)
	}

	validator := safety.New(defaultLimits(), store, log)

	pool := bridge.NewPool(cfg.BridgePoolSize, bridge.DefaultMaxInFlight, dialerFor(cfg.TerminalBridgeAddr), []byte(cfg.SharedSecret), log)
	bridgeAdapter := bridge.NewPipelineAdapter(pool, []byte(cfg.SharedSecret))

	cache := marketdata.New(marketdata.DefaultCapacity)

	accounts := newAccountCache(pool, []byte(cfg.SharedSecret), log)

	opts := pipeline.DefaultOptions()
	keys := map[pipeline.Source][]byte{
		pipeline.SourceControlPlane: []byte(cfg.APISecret),
		pipeline.SourceOperator:     []byte(cfg.APISecret),
	}
	safetyAdapter := safety.NewPipelineAdapter(validator, accounts, accounts)
	pipe := pipeline.New(opts, bridgeAdapter, safetyAdapter, store, keys, log)
	pipe.SetLatcher(validator)

	monitor := strategy.NewMonitor(cache, pipe, nil, store, log)
	pipe.SetOutcomeListener(monitor)
	registerInternalHandlers(pipe, monitor, validator, bridgeAdapter)

	client := controlplane.NewClient(cfg.ControlPlaneURL, cfg.AgentID, cfg.APIKey, []byte(cfg.APISecret))
	link := controlplane.NewLink(client, cfg.PushChannelURL, cfg.APIKey, []byte(cfg.APISecret), Version, platformName(), pipe, pipe, systemStatus{}, store, log)

	srv := newOperatorServer(cfg.OperatorHTTPAddr, store, validator, creds, log)

	var backupSvc *audit.BackupService
	if cfg.BackupBucket != "" {
		backupSvc, err = audit.NewBackupService(context.Background(), cfg.BackupBucket, cfg.BackupPrefix, log)
		if err != nil {
			log.Warn().Err(err).Msg("audit backup disabled: failed to initialize S3 uploader")
			backupSvc = nil
		}
	}
	house, err := newHousekeeping(cfg.BackupCron, backupSvc, store, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("agent: schedule housekeeping: %w", err)
	}

	return &Agent{
		cfg: cfg, log: log,
		store: store, creds: creds, validator: validator,
		pool: pool, cache: cache, accounts: accounts, monitor: monitor,
		pipe: pipe, link: link, http: srv, house: house,
	}, nil
}

// Run starts every component and blocks until ctx is cancelled, then
// shuts down in reverse dependency order within ShutdownGrace.
func (a *Agent) Run(ctx context.Context) error {
	defer a.recoverCrash("agent.Run")

	go a.pipe.Run()
	go a.link.Run(ctx)
	go a.runHTTP()
	go a.accounts.run(ctx)
	a.house.start()

	<-ctx.Done()
	a.log.Info().Msg("shutdown signal received")

	done := make(chan struct{})
	go func() {
		a.pipe.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ShutdownGrace):
		a.log.Warn().Msg("shutdown grace window elapsed; forcing exit")
	}

	a.house.stop()
	a.pool.Close()
	if err := a.store.Close(); err != nil {
		a.log.Error().Err(err).Msg("failed to close audit store cleanly")
	}
	return nil
}

func (a *Agent) runHTTP() {
	defer a.recoverCrash("operatorServer")
	if err := a.http.listenAndServe(); err != nil {
		a.log.Error().Err(err).Msg("operator http server stopped")
	}
}

// recoverCrash implements spec.md §7's crash containment: a panicking
// goroutine is contained and logged rather than taking down the process,
// for errors classified "Programming" (a bug, not an environment
// condition this agent is designed to survive).
func (a *Agent) recoverCrash(component string) {
	if r := recover(); r != nil {
		a.log.Error().Interface("panic", r).Str("component", component).Str("stack", string(debug.Stack())).Msg("recovered from panic")
	}
}

func credentialKey(cfg *config.Config) ([]byte, error) {
	passphrase := os.Getenv("AGENT_MASTER_PASSPHRASE")
	if passphrase == "" {
		passphrase = cfg.AgentID // last-resort deterministic fallback for local dev; production deployments set AGENT_MASTER_PASSPHRASE
	}
	salt := []byte(cfg.DataDir) // stable per-install salt; not a secret
	if len(salt) < 16 {
		padded := make([]byte, 16)
		copy(padded, salt)
		salt = padded
	}
	return crypto.DeriveKey(passphrase, salt[:16]), nil
}

func dialerFor(addr string) bridge.Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{}
		return d.DialContext(ctx, "tcp", addr)
	}
}

func platformName() string { return "agent" }

func defaultLimits() safety.Limits {
	return safety.Limits{
		AllowedSymbols:     map[string]bool{},
		MaxOpenPositions:   10,
		MaxLotSize:         10,
		MaxRiskPerTradePct: 2,
		MaxDailyLossPct:    5,
		MaxDrawdownPct:     10,
		SymbolRiskFactor:   map[string]float64{},
	}
}

