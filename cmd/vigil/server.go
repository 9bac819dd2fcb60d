package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/vigil/internal/archive"
	"github.com/tinytelemetry/vigil/internal/backup"
	"github.com/tinytelemetry/vigil/internal/broker"
	"github.com/tinytelemetry/vigil/internal/dispatch"
	"github.com/tinytelemetry/vigil/internal/duckdb"
	"github.com/tinytelemetry/vigil/internal/httpserver"
	"github.com/tinytelemetry/vigil/internal/ingest"
	"github.com/tinytelemetry/vigil/internal/journal"
	"github.com/tinytelemetry/vigil/internal/metrics"
	"github.com/tinytelemetry/vigil/internal/model"
	"github.com/tinytelemetry/vigil/internal/otlpreceiver"
	"github.com/tinytelemetry/vigil/internal/pipeline"
	"github.com/tinytelemetry/vigil/internal/postgres"
	"github.com/tinytelemetry/vigil/internal/rules"
	"github.com/tinytelemetry/vigil/internal/telemetry"
)

// alertBackend is the analytical store behind the dispatcher and the API.
type alertBackend interface {
	model.AlertStore
	model.AlertReader
	io.Closer
}

// publisher is the message bus the dispatcher writes alerts to.
type publisher interface {
	model.AlertPublisher
	io.Closer
}

// runServer runs the pipeline with every enabled transport until SIGINT or
// SIGTERM, then drains.
func runServer(cfg appConfig) error {
	cleanupLogger := configureRuntimeLogger()
	defer cleanupLogger()

	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:      cfg.TracingEndpoint,
		Insecure:      cfg.TracingInsecure,
		ServiceName:   "vigil",
		Version:       version,
		SamplingRatio: cfg.TracingSampling,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			log.Printf("server: tracing shutdown: %v", err)
		}
	}()

	ruleSet, err := rules.LoadFile(cfg.RulesPath)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	archiveStore, s3Store, err := openArchiveStore(ctx, cfg)
	if err != nil {
		return err
	}
	spill, err := archive.OpenSpillLog(cfg.SpillPath)
	if err != nil {
		return fmt.Errorf("failed to open spill log: %w", err)
	}
	defer spill.Close()
	replaySpillAtBoot(ctx, spill, archiveStore)

	alerts, snapshotter, err := openAlertStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer alerts.Close()

	bus, err := openPublisher(cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	ledger, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	deadLetters, err := dispatch.OpenDeadLetters(cfg.DeadLetterPath)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter log: %w", err)
	}
	defer deadLetters.Close()

	m := metrics.New()
	deps := pipeline.Deps{
		Archive:     archiveStore,
		Spill:       spill,
		Rules:       ruleSet,
		Publisher:   bus,
		Alerts:      alerts,
		Ledger:      ledger,
		DeadLetters: deadLetters,
		Metrics:     m,
	}
	if cfg.JournalEnabled {
		ingestJournal, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open ingest journal: %w", err)
		}
		defer ingestJournal.Close()
		deps.Journal = ingestJournal
	}

	coord, err := pipeline.New(pipelineConfig(cfg), deps)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer coord.Shutdown()

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		logEvents(coord.Events())
	}()

	// Start periodic snapshots when enabled.
	if snapshotter != nil && cfg.BackupEnabled {
		var uploader backup.Uploader
		if cfg.BackupUpload && s3Store != nil {
			uploader = s3Store
		}
		backupManager, err := backup.NewManager(snapshotter, uploader, backupConfig(cfg))
		if err != nil {
			return fmt.Errorf("failed to initialize backups: %w", err)
		}
		if backupManager != nil {
			bctx, stopBackups := context.WithCancel(ctx)
			defer stopBackups()
			go func() { _ = backupManager.Run(bctx) }()
		}
	}

	// Transports stop before the pipeline drains.
	var stoppers []func()
	defer func() {
		for i := len(stoppers) - 1; i >= 0; i-- {
			stoppers[i]()
		}
	}()

	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, httpserver.Deps{
			Ingest:  coord,
			Alerts:  alerts,
			Health:  coord,
			Metrics: m.Handler(),
		})
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		stoppers = append(stoppers, func() { _ = apiServer.Stop() })
	}

	if cfg.OTLPEnabled {
		receiver := otlpreceiver.NewServer(cfg.OTLPAddr, coord)
		if err := receiver.Start(); err != nil {
			return fmt.Errorf("failed to start OTLP receiver: %w", err)
		}
		stoppers = append(stoppers, receiver.Stop)
	}

	// Build input plugins and source multiplexer
	plugins := buildInputPlugins(InputPluginConfig{
		TCPEnabled:     cfg.TCPEnabled,
		TCPAddr:        cfg.TCPAddr,
		MaxConnections: cfg.MaxConns,
		MaxLineSize:    cfg.MaxLineSize,
		Files:          cfg.Files,
	})
	sourceCtx, stopSources := context.WithCancel(ctx)
	defer stopSources()
	sources := buildSources(sourceCtx, plugins, log.Printf)

	mux := NewSourceMultiplexer(sourceCtx, sources, cfg.MuxBufferSize)
	mux.Start()
	stoppers = append(stoppers, mux.Stop)

	processor := ingest.NewEnvelopeProcessor(coord)

	printStartupBanner(cfg, mux.Names(), len(ruleSet))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// The ingest loop outlives the signal so buffered lines are submitted
	// during the drain; it is cancelled only when the drain deadline passes.
	ingestCtx, cancelIngest := context.WithCancel(ctx)
	defer cancelIngest()

	g, _ := errgroup.WithContext(ingestCtx)
	if mux.HasSources() {
		g.Go(func() error {
			err := mux.Consume(ingestCtx, processor.ProcessEnvelope)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	select {
	case <-sigCh:
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
	case <-coord.Done():
		log.Printf("server: pipeline stopped unexpectedly")
	}

	go func() {
		<-sigCh
		fmt.Println("\nForce shutdown.")
		os.Exit(1)
	}()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancelDrain()
	stopIngest := context.AfterFunc(drainCtx, cancelIngest)
	defer stopIngest()

	for i := len(stoppers) - 1; i >= 0; i-- {
		stoppers[i]()
	}
	stoppers = nil

	if err := g.Wait(); err != nil {
		log.Printf("server: ingest loop exited with error: %v", err)
	}

	drainErr := coord.Drain(drainCtx)
	<-eventsDone

	forwarded, dropped := mux.Stats()
	health := coord.Health()
	log.Printf("server: stopped (lines forwarded %d, dropped %d, spilled batches %d)",
		forwarded, dropped, health.SpilledBatches)

	if errors.Is(drainErr, pipeline.ErrDrainTimedOut) {
		fmt.Println("Drain timed out; open batches were spilled.")
	}
	return drainErr
}

func pipelineConfig(cfg appConfig) pipeline.Config {
	return pipeline.Config{
		BufferCapacity:         cfg.BufferCapacity,
		SubmitWait:             cfg.submitWait(),
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		ArchiveRetryLimit:      cfg.ArchiveRetryLimit,
		ArchiveInitialBackoff:  cfg.ArchiveInitialBackoff,
		ArchiveMaxBackoff:      cfg.ArchiveMaxBackoff,
		ClassifierPartitions:   cfg.ClassifierPartitions,
		DedupShards:            cfg.DedupShards,
		SweepInterval:          cfg.SweepInterval,
		Topic:                  cfg.Topic,
		DispatchWorkers:        cfg.DispatchWorkers,
		DispatchRetryLimit:     cfg.DispatchRetryLimit,
		DispatchInitialBackoff: cfg.DispatchInitialBackoff,
		DispatchMaxBackoff:     cfg.DispatchMaxBackoff,
	}
}

func backupConfig(cfg appConfig) backup.Config {
	return backup.Config{
		Enabled:  cfg.BackupEnabled,
		Interval: cfg.BackupInterval,
		LocalDir: cfg.BackupLocalDir,
		KeepLast: cfg.BackupKeepLast,
	}
}

// openArchiveStore returns the S3 store when a bucket is configured and the
// local store otherwise. The second result is non-nil only for S3.
func openArchiveStore(ctx context.Context, cfg appConfig) (model.ArchiveStore, *archive.S3Store, error) {
	if cfg.ArchiveBucketURL == "" {
		store, err := archive.NewLocalStore(cfg.ArchiveDir, cfg.ArchivePrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open archive dir: %w", err)
		}
		return store, nil, nil
	}
	store, err := archive.NewS3Store(ctx, archive.S3Config{
		BucketURL:    cfg.ArchiveBucketURL,
		Endpoint:     cfg.S3Endpoint,
		Region:       cfg.S3Region,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		SessionToken: cfg.S3SessionToken,
		UseSSL:       cfg.S3UseSSL,
		UsePathStyle: cfg.S3PathStyle,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize S3 archive: %w", err)
	}
	return store, store, nil
}

// openAlertStore returns the configured backend and, for DuckDB, the store
// again as a snapshot source.
func openAlertStore(ctx context.Context, cfg appConfig) (alertBackend, *duckdb.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize Postgres: %w", err)
		}
		return store, nil, nil
	default:
		store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize DuckDB: %w", err)
		}
		return store, store, nil
	}
}

func openPublisher(cfg appConfig) (publisher, error) {
	if cfg.BusDriver != "kafka" {
		return broker.NewMemory(), nil
	}
	k, err := broker.NewKafka(broker.KafkaConfig{
		Brokers:      cfg.KafkaBrokers,
		ClientID:     "vigil",
		WriteTimeout: cfg.PublishTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Kafka producer: %w", err)
	}
	return k, nil
}

// openLedger returns the Redis ledger when an address is configured and the
// in-process ledger otherwise.
func openLedger(ctx context.Context, cfg appConfig) (dispatch.Ledger, func(), error) {
	if cfg.RedisAddr == "" {
		return dispatch.NewMemoryLedger(), func() {}, nil
	}
	l, err := dispatch.NewRedisLedger(ctx, dispatch.RedisLedgerConfig{
		Address:  cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Database: cfg.RedisDB,
		TTL:      cfg.LedgerTTL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect dispatch ledger: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func replaySpillAtBoot(ctx context.Context, spill *archive.SpillLog, store model.ArchiveStore) {
	codec, err := archive.NewCodec()
	if err != nil {
		log.Printf("server: spill replay skipped: %v", err)
		return
	}
	defer codec.Close()
	n, err := spill.Replay(ctx, store, codec)
	if err != nil {
		log.Printf("server: spill replay: %d batches re-archived, kept spill log: %v", n, err)
		return
	}
	if n > 0 {
		log.Printf("server: spill replay: %d batches re-archived", n)
	}
}

func logEvents(events <-chan pipeline.Event) {
	for ev := range events {
		log.Printf("pipeline event: %s", ev)
	}
}

func configureRuntimeLogger() func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	home, err := os.UserHomeDir()
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logDir := filepath.Join(home, ".local", "state", "vigil")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logPath := filepath.Join(logDir, "vigil.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	log.SetOutput(f)
	return func() {
		_ = f.Close()
	}
}

func printStartupBanner(cfg appConfig, sources []string, ruleCount int) {
	fmt.Println(renderStartupBanner(cfg, sources, ruleCount))
}

func renderStartupBanner(cfg appConfig, sources []string, ruleCount int) string {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╦  ╦╦╔═╗╦╦
    ╚╗╔╝║║ ╦║║
     ╚╝ ╩╚═╝╩╩═╝`)

	row := func(on bool, label, value string) string {
		if on {
			return fmt.Sprintf("    %s  %-14s %s", check, label, cyan.Render(value))
		}
		return fmt.Sprintf("    %s  %-14s %s", dot, label, dim.Render(value))
	}
	enabled := func(on bool, value string) string {
		if on {
			return value
		}
		return "disabled"
	}

	separator := dim.Render("    ─────────────────────────────────")
	lines := []string{"", logo, "    " + dim.Render("v"+version), "", separator, ""}

	lines = append(lines, bold.Render("    Ingest"), "")
	lines = append(lines, row(cfg.APIEnabled, "HTTP API", enabled(cfg.APIEnabled, cfg.APIAddr)))
	lines = append(lines, row(cfg.OTLPEnabled, "OTLP gRPC", enabled(cfg.OTLPEnabled, cfg.OTLPAddr)))
	lines = append(lines, row(cfg.TCPEnabled, "TCP Lines", enabled(cfg.TCPEnabled, cfg.TCPAddr)))
	if len(sources) > 0 {
		lines = append(lines, row(true, "Sources", strings.Join(sources, ", ")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Pipeline"), "")
	lines = append(lines, row(true, "Rules", fmt.Sprintf("%d from %s", ruleCount, shortenPath(cfg.RulesPath))))
	lines = append(lines, row(cfg.JournalEnabled, "Journal", enabled(cfg.JournalEnabled, shortenPath(cfg.JournalPath))))
	archiveTarget := shortenPath(cfg.ArchiveDir)
	if cfg.ArchiveBucketURL != "" {
		archiveTarget = cfg.ArchiveBucketURL
	}
	lines = append(lines, row(true, "Archive", archiveTarget))
	lines = append(lines, row(true, "Spill Log", shortenPath(cfg.SpillPath)))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Alerts"), "")
	storeTarget := shortenPath(cfg.DBPath)
	if cfg.StoreDriver == "postgres" {
		storeTarget = "postgres"
	}
	lines = append(lines, row(true, "Store", storeTarget))
	busTarget := "in-process"
	if cfg.BusDriver == "kafka" {
		busTarget = strings.Join(cfg.KafkaBrokers, ",")
	}
	lines = append(lines, row(true, "Bus", busTarget+" → "+cfg.Topic))
	ledgerTarget := "in-process"
	if cfg.RedisAddr != "" {
		ledgerTarget = cfg.RedisAddr
	}
	lines = append(lines, row(true, "Ledger", ledgerTarget))
	lines = append(lines, row(cfg.BackupEnabled, "Snapshots", enabled(cfg.BackupEnabled, shortenPath(cfg.BackupLocalDir))))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, row(true, "Config File", shortenPath(cfg.ConfigPath)))
	} else {
		lines = append(lines, row(false, "Config File", "default (no file)"))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	return strings.Join(lines, "\n")
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
