// Command tradeoffer-demo wires every package in this module into a
// single running agent: it loads configuration, opens the persistence
// store, builds the transport/steamapi/confirmation stack, and starts
// the reconciliation loop. It exists to exercise the library end to
// end and to give newcomers a concrete wiring example to copy from.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/tradeoffer/internal/api"
	"github.com/nugget/tradeoffer/internal/autocancel"
	"github.com/nugget/tradeoffer/internal/buildinfo"
	"github.com/nugget/tradeoffer/internal/config"
	"github.com/nugget/tradeoffer/internal/confirmation"
	"github.com/nugget/tradeoffer/internal/events"
	"github.com/nugget/tradeoffer/internal/persistence"
	"github.com/nugget/tradeoffer/internal/pollstore"
	"github.com/nugget/tradeoffer/internal/reconcile"
	"github.com/nugget/tradeoffer/internal/steamapi"
	"github.com/nugget/tradeoffer/internal/telemetry"
	"github.com/nugget/tradeoffer/internal/totp"
	"github.com/nugget/tradeoffer/internal/tradeops"
	"github.com/nugget/tradeoffer/internal/transport"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "version":
			fmt.Println(buildinfo.String())
			return
		case "serve":
			runServe(logger, *configPath)
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
	}

	runServe(logger, *configPath)
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting tradeoffer agent", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	if !cfg.Account.Configured() {
		logger.Error("account.username and account.api_key must be set")
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	dbPath := cfg.DataDir + "/tradeoffer.db"
	store, err := persistence.Open(dbPath)
	if err != nil {
		logger.Error("failed to open persistence store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("persistence store opened", "path", dbPath)

	communityURL := "https://steamcommunity.com"
	jar, err := store.LoadCookies(cfg.Account.Username, communityURL)
	if err != nil {
		logger.Warn("failed to load saved cookies, starting with an empty jar", "error", err)
		jar, _ = cookiejar.New(nil)
	} else {
		logger.Info("restored saved session cookies", "username", cfg.Account.Username)
	}

	tr, err := transport.New(transport.WithLogger(logger), transport.WithCookieJar(jar))
	if err != nil {
		logger.Error("failed to build transport", "error", err)
		os.Exit(1)
	}

	client := steamapi.New(tr, cfg.Account.APIKey)

	pollData := pollstore.New(
		cfg.Account.Username,
		func(username string) (*pollstore.Data, error) { return store.LoadPollData(username) },
		func(data pollstore.Data, username string) error { return store.SavePollData(data, username) },
	)

	bus := events.New()

	policy := autocancel.Policy{
		CancelTime:           cfg.Manager.CancelTimeDuration(),
		PendingCancelTime:     cfg.Manager.PendingCancelTimeDuration(),
		CancelOfferCount:      cfg.Manager.CancelOfferCount,
		CancelOfferCountMinAge: cfg.Manager.CancelOfferCountMinAgeDuration(),
	}

	ops := &tradeops.Ops{
		Client: client,
		Store:  pollData,
	}

	auth := &sessionAuth{account: cfg.Account}

	loop := reconcile.New(client, pollData, ops, bus, policy, auth, cfg.Manager.IntervalDuration(),
		reconcile.WithLogger(logger),
		reconcile.WithLanguage(cfg.Manager.Language),
		reconcile.WithDescriptions(cfg.Manager.GetDescriptions),
	)
	ops.PollNow = func() {
		loop.Tick(context.Background(), false)
	}

	deviceID := totp.DeviceID(cfg.Account.AccountID)
	confEngine := confirmation.New(tr, cfg.Account.AccountID, deviceID,
		func(timeSeconds int64, tag string) (string, error) {
			return totp.DeriveConfirmationKey(cfg.Account.IdentitySecret, timeSeconds, tag)
		},
		confirmation.WithCommunityURL(communityURL),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Account.IdentitySecret != "" {
		go runConfirmationPoll(ctx, confEngine, pollData, bus, logger)
	}

	var telemetryPub *telemetry.Publisher
	if cfg.MQTT.Enabled {
		counters := telemetry.NewCounters(bus)
		counters.ActiveSentFunc = func() int { return len(pollData.ActiveSentIDs()) }
		telemetryPub = telemetry.New(cfg.MQTT, "", counters, logger)
		go func() {
			if err := telemetryPub.Start(ctx); err != nil {
				logger.Warn("telemetry publisher stopped", "error", err)
			}
		}()
	}

	var eventServer *api.Server
	if cfg.EventAPI.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.EventAPI.Address, cfg.EventAPI.Port)
		eventServer = api.New(bus, addr, logger)
		go func() {
			if err := eventServer.ListenAndServe(ctx); err != nil {
				logger.Error("event API server failed", "error", err)
			}
		}()
		logger.Info("event stream listening", "addr", addr)
	}

	loop.Start()
	logger.Info("reconciliation loop started", "interval", cfg.Manager.IntervalDuration())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	cancel()
	loop.Stop()

	if err := store.SaveCookies(jar, cfg.Account.Username, communityURL); err != nil {
		logger.Warn("failed to persist cookies on shutdown", "error", err)
	}

	if telemetryPub != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = telemetryPub.Stop(shutdownCtx)
		shutdownCancel()
	}

	logger.Info("tradeoffer agent stopped")
}

// sessionAuth reports Ready based on the presence of account
// credentials. A fuller deployment would also track whether the last
// request came back with a session-expired event.
type sessionAuth struct {
	account config.AccountConfig
}

func (a *sessionAuth) Ready() bool { return a.account.Configured() }

// confirmationPollInterval is independent of the reconciliation loop's
// interval: pending confirmations need to be allowed promptly even
// when the poll manager runs on a longer cadence.
const confirmationPollInterval = 15 * time.Second

// runConfirmationPoll fetches the pending confirmation list on a fixed
// cadence and auto-allows any trade confirmation for an offer this
// store already knows about, mirroring the realtime-trade handshake
// described for the reconciliation loop.
func runConfirmationPoll(ctx context.Context, eng *confirmation.Engine, store *pollstore.Store, bus *events.Bus, logger *slog.Logger) {
	ticker := time.NewTicker(confirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := eng.FetchList(ctx)
			if err != nil {
				logger.Debug("confirmation list fetch failed", "error", err)
				continue
			}
			for _, e := range entries {
				if e.Type != confirmation.TypeTrade {
					continue
				}
				if _, known := store.SentState(e.Creator); !known {
					continue
				}
				if err := eng.RespondToOffer(ctx, e.Creator, confirmation.OpAllow); err != nil {
					logger.Warn("failed to allow confirmation", "offer_id", e.Creator, "error", err)
					continue
				}
				bus.Publish(events.Event{Kind: events.KindRealTimeTradeCompleted, Payload: events.OfferEvent{OfferID: e.Creator}})
			}
		}
	}
}
