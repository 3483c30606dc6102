package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/galileo/internal/bus"
	"github.com/nextlevelbuilder/galileo/internal/catchup"
	"github.com/nextlevelbuilder/galileo/internal/channels"
	"github.com/nextlevelbuilder/galileo/internal/channels/discord"
	"github.com/nextlevelbuilder/galileo/internal/config"
	"github.com/nextlevelbuilder/galileo/internal/metrics"
	"github.com/nextlevelbuilder/galileo/internal/responder"
	"github.com/nextlevelbuilder/galileo/internal/store"
	"github.com/nextlevelbuilder/galileo/internal/store/pg"
	"github.com/nextlevelbuilder/galileo/internal/store/sqlite"
	"github.com/nextlevelbuilder/galileo/internal/telemetry"
	"github.com/nextlevelbuilder/galileo/internal/wallet"
)

// serveFlags mirror config keys. A flag only overrides the config file when set.
var serveFlags struct {
	rateLimit         string
	replyLimit        int
	maxAddresses      int
	bufferSize        int
	catchUp           []string
	catchUpBatchSize  int
	fee               uint64
	saveInterval      string
	blockTimeEstimate string
	syncRetries       int
	node              string
	source            uint64
	metricsListen     string
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [values...]",
		Short: "Run the faucet bot (default command)",
		Long:  "Run the faucet bot. Positional arguments are the values sent to each address, e.g. \"1.87penumbra 12cube\"; they replace faucet.values from the config file.",
		Args:  cobra.ArbitraryArgs,
		RunE:  runServe,
	}
	addServeFlags(cmd)
	return cmd
}

func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&serveFlags.rateLimit, "rate-limit", "1d", "per-user window between admitted requests")
	f.IntVar(&serveFlags.replyLimit, "reply-limit", 5, "rate-limit notices per user per window")
	f.IntVar(&serveFlags.maxAddresses, "max-addresses", 1, "addresses serviced per message")
	f.IntVar(&serveFlags.bufferSize, "buffer-size", 100, "dispatch queue and wallet request capacity")
	f.StringArrayVar(&serveFlags.catchUp, "catch-up", nil, "replay the backlog starting at this message (\"<channel>/<message>\" or URL); repeatable")
	f.IntVar(&serveFlags.catchUpBatchSize, "catch-up-batch-size", catchup.DefaultBatchSize, "messages fetched per catch-up page")
	f.Uint64Var(&serveFlags.fee, "fee", 0, "fee per send, in upenumbra")
	f.StringVar(&serveFlags.saveInterval, "save", "1m", "how often wallet state is saved")
	f.StringVar(&serveFlags.blockTimeEstimate, "block-time-estimate", "10s", "pause between wallet sync retries")
	f.IntVar(&serveFlags.syncRetries, "sync-retries", 5, "wallet sync retries before a send fails")
	f.StringVar(&serveFlags.node, "node", "", "node wallet API address")
	f.Uint64Var(&serveFlags.source, "source", 0, "account index to spend from")
	f.StringVar(&serveFlags.metricsListen, "metrics-listen", "", "address for the Prometheus /metrics listener")
}

func setupLogging(format string) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, opts)))
}

// applyServeFlags copies explicitly set flags and positional values into cfg.
func applyServeFlags(cmd *cobra.Command, args []string, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	duration := func(name, raw string, dst *config.Duration) error {
		if !changed(name) {
			return nil
		}
		d, err := config.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
		*dst = d
		return nil
	}

	if err := duration("rate-limit", serveFlags.rateLimit, &cfg.Faucet.RateLimit); err != nil {
		return err
	}
	if err := duration("save", serveFlags.saveInterval, &cfg.Wallet.SaveInterval); err != nil {
		return err
	}
	if err := duration("block-time-estimate", serveFlags.blockTimeEstimate, &cfg.Wallet.BlockTimeEstimate); err != nil {
		return err
	}

	if changed("reply-limit") {
		cfg.Faucet.ReplyLimit = serveFlags.replyLimit
	}
	if changed("max-addresses") {
		cfg.Faucet.MaxAddresses = serveFlags.maxAddresses
	}
	if changed("buffer-size") {
		cfg.Faucet.BufferSize = serveFlags.bufferSize
	}
	if changed("fee") {
		cfg.Faucet.Fee = serveFlags.fee
	}
	if changed("catch-up") {
		cfg.CatchUp.Anchors = serveFlags.catchUp
	}
	if changed("catch-up-batch-size") {
		cfg.CatchUp.BatchSize = serveFlags.catchUpBatchSize
	}
	if changed("sync-retries") {
		cfg.Wallet.SyncRetries = serveFlags.syncRetries
	}
	if changed("node") {
		cfg.Wallet.Node = serveFlags.node
	}
	if changed("source") {
		src := serveFlags.source
		cfg.Wallet.Source = &src
	}
	if changed("metrics-listen") {
		cfg.Metrics.Listen = serveFlags.metricsListen
	}
	if len(args) > 0 {
		cfg.Faucet.Values = args
	}
	return nil
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	if cfg.IsManagedMode() {
		slog.Info("using postgres storage")
		return pg.NewPGStores(cfg.Database.PostgresDSN)
	}
	path := cfg.DatabasePath()
	slog.Info("using sqlite storage", "path", path)
	return sqlite.NewStores(path)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}
	setupLogging(cfg.Log.Format)

	if err := applyServeFlags(cmd, args, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		return err
	}
	values, err := wallet.ParseValues(cfg.Faucet.Values)
	if err != nil {
		return fmt.Errorf("faucet values: %w", err)
	}
	anchors := make([]catchup.Anchor, 0, len(cfg.CatchUp.Anchors))
	for _, raw := range cfg.CatchUp.Anchors {
		a, err := catchup.ParseAnchor(raw)
		if err != nil {
			return fmt.Errorf("catch-up anchor: %w", err)
		}
		anchors = append(anchors, a)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	stores, err := openStores(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer stores.Close()

	m := metrics.Default()

	node := wallet.NewHTTPNode(cfg.Wallet.Node, cfg.Wallet.Timeout.Std())
	worker := wallet.New(wallet.Config{
		Fee:               cfg.Faucet.Fee,
		Source:            cfg.Wallet.Source,
		SaveInterval:      cfg.Wallet.SaveInterval.Std(),
		BlockTimeEstimate: cfg.Wallet.BlockTimeEstimate.Std(),
		SyncRetries:       cfg.Wallet.SyncRetries,
		BufferSize:        cfg.Faucet.BufferSize,
	}, node, stores.Wallet, stores.Journal, m)

	discordCh, err := discord.Factory(cfg.Discord)
	if err != nil {
		return err
	}

	queue := bus.NewQueue(cfg.Faucet.BufferSize)
	claims := bus.NewClaims()
	gate := channels.NewGate(channels.GateConfig{
		RateLimit:  cfg.Faucet.RateLimit.Std(),
		ReplyLimit: cfg.Faucet.ReplyLimit,
		Claims:     claims,
	}, discordCh, queue, worker.Ready(), m)
	gate.OnUnhandled(func(_ context.Context, msg bus.Message) {
		slog.Debug("message has no addresses", "message_id", msg.ID, "preview", channels.Truncate(msg.Content, 50))
	})

	resp := responder.New(responder.Config{
		MaxAddresses: cfg.Faucet.MaxAddresses,
		Values:       values,
		Journal:      stores.Journal,
	}, queue, worker, discordCh, m)

	slog.Info("galileo starting",
		"version", Version,
		"config_hash", cfg.Hash(),
		"values", wallet.FormatValues(values),
		"node", cfg.Wallet.Node,
		"catch_up", len(anchors),
	)

	// The work context outlives the signal so queued requests still get answered.
	g, gctx := errgroup.WithContext(context.Background())
	workCtx, cancelWork := context.WithCancel(gctx)
	defer cancelWork()

	g.Go(func() error { return worker.Run(workCtx) })
	g.Go(func() error { return discordCh.Run(workCtx) })
	g.Go(func() error {
		defer cancelWork()
		return resp.Run(workCtx)
	})

	// Replay starts once live events flow, so the cutoff leaves no gap.
	replayReady := allClosed(workCtx, worker.Ready(), discordCh.Connected())
	replayCfg := catchup.Config{
		BatchSize:    cfg.CatchUp.BatchSize,
		SkipAnswered: cfg.CatchUp.ShouldSkipAnswered(),
		Claims:       claims,
	}
	intake := []func(context.Context) error{
		func(ictx context.Context) error { return gate.Serve(ictx, ctx.Done(), discordCh.Events()) },
	}
	for _, a := range anchors {
		r := catchup.New(a, replayCfg, discordCh, queue, stores.Journal, replayReady, m)
		intake = append(intake, func(ictx context.Context) error { return r.Serve(ictx, ctx.Done()) })
	}
	g.Go(func() error { return runIntake(workCtx, queue, intake...) })

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-workCtx.Done():
			return nil
		}
		slog.Info("shutting down, draining dispatch queue", "queued", queue.Len(), "timeout", drainTimeout)
		select {
		case <-time.After(drainTimeout):
			slog.Warn("drain timed out, abandoning queued requests", "queued", queue.Len())
			cancelWork()
		case <-workCtx.Done():
		}
		return nil
	})

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: metricsMux()}
		g.Go(func() error {
			slog.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-workCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err != nil && !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
		slog.Error("galileo stopped", "error", err)
		return err
	}
	slog.Info("galileo stopped")
	return nil
}

// drainTimeout bounds how long queued requests are worked off after a signal.
const drainTimeout = 30 * time.Second

// runIntake runs every producer of the dispatch queue and closes the queue
// once all of them have returned, letting the responder drain and stop.
// The first failing producer cancels the others.
func runIntake(ctx context.Context, queue *bus.Queue, tasks ...func(context.Context) error) error {
	defer queue.Close()
	ig, ictx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		ig.Go(func() error { return task(ictx) })
	}
	return ig.Wait()
}

// allClosed returns a channel closed once every one of chans is closed.
func allClosed(ctx context.Context, chans ...<-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		for _, ch := range chans {
			select {
			case <-ch:
			case <-ctx.Done():
				return
			}
		}
		close(out)
	}()
	return out
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
