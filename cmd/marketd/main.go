package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	gethcommon "github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"marketnode/config"
	"marketnode/market"
	"marketnode/market/negotiation"
	"marketnode/observability"
	"marketnode/observability/logging"
	telemetry "marketnode/observability/otel"
	"marketnode/p2p"
	"marketnode/payment"
	"marketnode/payment/erc20"
	"marketnode/provider"
	"marketnode/storage"
)

func main() {
	cfgPath := flag.String("config", "./config.toml", "path to the node configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MARKETD_ENV"))
	logger := logging.Setup("marketd", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "marketd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		logger.Error("failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		logger.Error("invalid config", slog.Any("error", err))
		os.Exit(1)
	}
	identity, err := cfg.IdentityKey()
	if err != nil {
		logger.Error("failed to decode node identity key", slog.Any("error", err))
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to prepare data directory", slog.Any("error", err))
		os.Exit(1)
	}

	marketDB, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "market.db"))
	if err != nil {
		logger.Error("failed to open market database", slog.Any("error", err))
		os.Exit(1)
	}
	defer marketDB.Close()

	paymentDB, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "payment.db"))
	if err != nil {
		logger.Error("failed to open payment database", slog.Any("error", err))
		os.Exit(1)
	}
	defer paymentDB.Close()

	activityDB, err := gorm.Open(sqlite.Open(filepath.Join(cfg.DataDir, "activity.db")), &gorm.Config{})
	if err != nil {
		logger.Error("failed to open activity database", slog.Any("error", err))
		os.Exit(1)
	}
	activityDAO, err := provider.NewActivityDAO(activityDB)
	if err != nil {
		logger.Error("failed to migrate activity database", slog.Any("error", err))
		os.Exit(1)
	}
	// ActivityAPI is the process-supervision collaborator (spawning and
	// polling ExeUnits) that the spec explicitly treats as external; no
	// in-module implementation exists, so the Task Coordinator is wired
	// with a nil API and activity events arrive through a separate process
	// that does implement provider.ActivityAPI.
	activityManager := provider.NewManager(activityDAO, nil)
	_ = activityManager

	store := market.NewStore(marketDB, observability.NewMetricsEmitter())

	// Router is constructed with a nil discovery/broker and wired once the
	// p2p Server and MarketTransport exist; see Router.SetDiscovery/SetBroker.
	documents := payment.NewDocumentRegistry()
	accumulator := payment.NewAccumulator()
	router := p2p.NewRouter(nil, nil, documents, accumulator)

	serverCfg := p2p.ServerConfig{
		ListenAddress:    cfg.ListenAddress,
		NetworkID:        cfg.NetworkID,
		Bootnodes:        append([]string{}, cfg.Bootnodes...),
		PersistentPeers:  append([]string{}, cfg.PersistentPeers...),
		PeerstorePath:    filepath.Join(cfg.DataDir, "p2p", "peerstore"),
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "p2p"), 0o755); err != nil {
		logger.Error("failed to prepare p2p directory", slog.Any("error", err))
		os.Exit(1)
	}
	server, err := p2p.NewServer(serverCfg, identity, router)
	if err != nil {
		logger.Error("failed to construct p2p server", slog.Any("error", err))
		os.Exit(1)
	}
	transport := p2p.NewMarketTransport(server)
	router.Bind(server)

	discovery := market.NewDiscovery(store, transport, time.Second, 256, 50)
	store.SetDiscovery(discovery)
	router.SetDiscovery(discovery)

	matcher := market.NewMatcher(nil) // wired to the broker below once it exists
	store.SetMatcher(matcher)

	pipelineComponents := []negotiation.Negotiator{
		negotiation.ConcurrentAgreementLimit{Max: cfg.Negotiator.ConcurrentAgreementLimit, Current: func() int { return len(activityManager.Active()) }},
		negotiation.ExpirationBound{Min: cfg.Negotiator.ExpirationMin, Max: cfg.Negotiator.ExpirationMax},
		negotiation.DebitNoteInterval{
			Min:        cfg.Negotiator.DebitNoteIntervalMin,
			Max:        cfg.Negotiator.DebitNoteIntervalMax,
			OfferValue: cfg.Negotiator.DebitNoteInterval,
		},
	}
	pipeline := negotiation.NewPipeline(pipelineComponents...)
	broker := negotiation.NewBroker(server.NodeID(), pipeline, transport, time.Second, 30*time.Second)
	router.SetBroker(broker)
	matcher = market.NewMatcher(broker)
	store.SetMatcher(matcher)

	drivers := make([]payment.Driver, 0, len(cfg.Drivers))
	var balanceChecker payment.AccountBalance
	for _, dc := range cfg.Drivers {
		client, derr := erc20.DialEVMClient(dc.RPCEndpoint)
		if derr != nil {
			logger.Error("failed to dial driver RPC endpoint", slog.String("platform", dc.Platform), slog.Any("error", derr))
			os.Exit(1)
		}
		contract := gethcommon.HexToAddress(dc.TokenContract)
		driver := erc20.NewDriver(erc20.Config{
			PlatformName:          dc.Platform,
			TokenContract:         contract,
			TransferGasLimit:      dc.TransferGasLimit,
			RequiredConfirmations: dc.RequiredConfirmations,
			Decimals:              dc.TokenDecimals,
		}, client, identity)
		drivers = append(drivers, driver)
		if balanceChecker == nil {
			balanceChecker = erc20.NewBalance(client, contract, dc.TokenDecimals)
		}
	}
	registry := payment.NewRegistry(drivers...)

	ledger := payment.NewAllocationLedger(balanceChecker, nil)
	scheduler := payment.NewScheduler(registry, ledger, accumulator, transport, time.Second, time.Second, 30*time.Second)
	_ = payment.NewPipeline(ledger, transport, scheduler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(); err != nil {
		logger.Error("failed to start p2p server", slog.Any("error", err))
		os.Exit(1)
	}
	defer server.Stop()

	go discovery.Run(ctx)
	go scheduler.Run(ctx, 5*time.Second)
	go runExpirySweep(ctx, store, logger)

	logger.Info("marketd initialised and running", slog.String("node_id", server.NodeID()), slog.String("listen", cfg.ListenAddress))
	<-ctx.Done()
	logger.Info("marketd shutting down")
}

// runExpirySweep periodically removes subscriptions past their expiration
// grace period, matching the teacher stack's pattern of a background ticker
// for bounded-state cleanup instead of expiring inline on every read.
func runExpirySweep(ctx context.Context, store *market.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.ExpireSweep(30 * time.Second); n > 0 {
				logger.Info("expired subscriptions", slog.Int("count", n))
			}
		}
	}
}
