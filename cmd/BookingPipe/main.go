package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/BookingPipe/internal/api"
	"github.com/BTreeMap/BookingPipe/internal/classifier"
	"github.com/BTreeMap/BookingPipe/internal/engine"
	"github.com/BTreeMap/BookingPipe/internal/genai"
	"github.com/BTreeMap/BookingPipe/internal/lockfile"
	"github.com/BTreeMap/BookingPipe/internal/messaging"
	"github.com/BTreeMap/BookingPipe/internal/recovery"
	"github.com/BTreeMap/BookingPipe/internal/scheduler"
	"github.com/BTreeMap/BookingPipe/internal/store"
	"github.com/BTreeMap/BookingPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/BookingPipe/internal/util"
	"github.com/BTreeMap/BookingPipe/internal/vocab"
	"github.com/BTreeMap/BookingPipe/internal/whatsapp"
)

// Default configuration constants
const (
	DefaultStateDir           = "/var/lib/bookingpipe"
	DefaultAppDBFileName      = "bookingpipe.db"
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	DefaultVocabDirName       = "vocab"
	DefaultDemoTenant         = "demo"
)

// Channels that deliver replies.
const (
	ChannelNone     = "none"
	ChannelTwilio   = "twilio"
	ChannelWhatsApp = "whatsmeow"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags); err != nil {
		slog.Error("BookingPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("BookingPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	AppDBDSN       string
	WhatsAppDBDSN  string
	VocabDir       string
	Channel        string
	OpenAIKey      string
	OpenAIModel    string
	GenAIDebug     bool
	APIAddr        string
	APIToken       string
	PublicURL      string
	ValidateTwilio bool
	FallbackVocab  bool
	SweepInterval  time.Duration
	OutboxInterval time.Duration
	InboundWorkers int
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	appDSN         *string
	whatsappDSN    *string
	vocabDir       *string
	channel        *string
	qrOutput       *string
	numeric        *bool
	openaiKey      *string
	openaiModel    *string
	genaiDebug     *bool
	apiAddr        *string
	apiToken       *string
	publicURL      *string
	validateTwilio *bool
	fallbackVocab  *bool
	sweepInterval  *time.Duration
	outboxInterval *time.Duration
	workers        *int
	retention      *time.Duration
	pruneSchedule  *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:       os.Getenv("BOOKINGPIPE_STATE_DIR"),
		AppDBDSN:       os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:  os.Getenv("WHATSAPP_DB_DSN"),
		VocabDir:       os.Getenv("BOOKINGPIPE_VOCAB_DIR"),
		Channel:        strings.ToLower(strings.TrimSpace(os.Getenv("BOOKINGPIPE_CHANNEL"))),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:    os.Getenv("OPENAI_MODEL"),
		GenAIDebug:     util.ParseBoolEnv("GENAI_DEBUG", false),
		APIAddr:        os.Getenv("API_ADDR"),
		APIToken:       os.Getenv("API_TOKEN"),
		PublicURL:      os.Getenv("PUBLIC_URL"),
		ValidateTwilio: util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURE", true),
		FallbackVocab:  util.ParseBoolEnv("BOOKINGPIPE_FALLBACK_VOCAB", false),
		SweepInterval:  util.ParseDurationEnv("LOCK_SWEEP_INTERVAL", engine.DefaultSweepInterval),
		OutboxInterval: util.ParseDurationEnv("OUTBOX_POLL_INTERVAL", store.DefaultOutboxPollInterval),
		InboundWorkers: util.ParseIntEnv("INBOUND_WORKERS", messaging.DefaultWorkers),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No BOOKINGPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	// DATABASE_URL is the conventional name on most hosts.
	if config.AppDBDSN == "" {
		config.AppDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.AppDBDSN == "" {
		config.AppDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.PruneSchedule == "" {
		config.PruneSchedule = scheduler.DefaultPruneSchedule
	}
	if config.VocabDir == "" {
		config.VocabDir = filepath.Join(config.StateDir, DefaultVocabDirName)
	}
	if config.Channel == "" {
		config.Channel = ChannelNone
		if os.Getenv("TWILIO_ACCOUNT_SID") != "" {
			config.Channel = ChannelTwilio
		}
	}

	slog.Debug("environment variables loaded",
		"BOOKINGPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.AppDBDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"BOOKINGPIPE_VOCAB_DIR", config.VocabDir,
		"BOOKINGPIPE_CHANNEL", config.Channel,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"API_TOKEN_SET", config.APIToken != "",
		"PUBLIC_URL", config.PublicURL,
		"LOCK_SWEEP_INTERVAL", config.SweepInterval,
		"OUTBOX_POLL_INTERVAL", config.OutboxInterval)

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		stateDir:       fs.String("state-dir", config.StateDir, "state directory for BookingPipe data (overrides $BOOKINGPIPE_STATE_DIR)"),
		appDSN:         fs.String("db-dsn", config.AppDBDSN, "conversation store DSN, SQLite path or Postgres URL (overrides $DATABASE_DSN or $DATABASE_URL)"),
		whatsappDSN:    fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		vocabDir:       fs.String("vocab-dir", config.VocabDir, "directory of tenant vocabulary YAML files (overrides $BOOKINGPIPE_VOCAB_DIR)"),
		channel:        fs.String("channel", config.Channel, "reply channel: twilio, whatsmeow or none (overrides $BOOKINGPIPE_CHANNEL)"),
		qrOutput:       fs.String("qr-output", "", "path to write the whatsmeow login QR code"),
		numeric:        fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		openaiKey:      fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key for the LLM intent layer (overrides $OPENAI_API_KEY)"),
		openaiModel:    fs.String("openai-model", config.OpenAIModel, "OpenAI model for intent classification (overrides $OPENAI_MODEL)"),
		genaiDebug:     fs.Bool("genai-debug", config.GenAIDebug, "write LLM requests under the state directory (overrides $GENAI_DEBUG)"),
		apiAddr:        fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		apiToken:       fs.String("api-token", config.APIToken, "bearer token for the demo and inspection routes (overrides $API_TOKEN)"),
		publicURL:      fs.String("public-url", config.PublicURL, "external base URL used to verify Twilio signatures (overrides $PUBLIC_URL)"),
		validateTwilio: fs.Bool("validate-twilio", config.ValidateTwilio, "verify X-Twilio-Signature on webhooks (overrides $TWILIO_VALIDATE_SIGNATURE)"),
		fallbackVocab:  fs.Bool("fallback-vocab", config.FallbackVocab, "serve unknown tenants with the built-in vocabulary (overrides $BOOKINGPIPE_FALLBACK_VOCAB)"),
		sweepInterval:  fs.Duration("sweep-interval", config.SweepInterval, "expired lock sweep interval (overrides $LOCK_SWEEP_INTERVAL)"),
		outboxInterval: fs.Duration("outbox-interval", config.OutboxInterval, "outbox poll interval (overrides $OUTBOX_POLL_INTERVAL)"),
		workers:        fs.Int("workers", config.InboundWorkers, "inbound workers for the whatsmeow channel (overrides $INBOUND_WORKERS)"),
		retention:      fs.Duration("decision-retention", config.Retention, "how long decisions are kept for replay (overrides $DECISION_RETENTION)"),
		pruneSchedule:  fs.String("prune-schedule", config.PruneSchedule, "cron schedule of decision log pruning (overrides $DECISION_PRUNE_SCHEDULE)"),
	}
	if err := fs.Parse(args); err != nil {
		slog.Error("failed to parse flags", "error", err)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.appDSN != "",
		"vocabDir", *flags.vocabDir,
		"channel", *flags.channel,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr)

	// Paths derived from the state directory follow a -state-dir override.
	if *flags.stateDir != config.StateDir {
		if *flags.appDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.appDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.whatsappDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
		if *flags.vocabDir == filepath.Join(config.StateDir, DefaultVocabDirName) {
			*flags.vocabDir = filepath.Join(*flags.stateDir, DefaultVocabDirName)
		}
		slog.Debug("Updated derived paths for state directory", "state_dir", *flags.stateDir)
	}
	return flags
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	provider, err := buildVocabProvider(flags)
	if err != nil {
		return err
	}

	pipelineOpts, err := buildClassifierOptions(flags)
	if err != nil {
		return err
	}
	eng := engine.New(st, st, provider, engine.WithPipeline(classifier.New(pipelineOpts...)))
	renderer := messaging.NewRenderer(provider)
	resolver := api.NewTenantResolver(provider, st)
	dispatcher := messaging.NewDispatcher(eng, renderer, st,
		messaging.WithTenantLookup(resolver.ForEvent),
		messaging.WithWorkers(*flags.workers))

	sweeper := engine.NewSweeper(eng, dispatcher.Deliver, engine.WithSweepInterval(*flags.sweepInterval))
	runners := []func(context.Context) error{sweeper.Run}
	rm := recovery.NewRecoveryManager()

	svc, err := buildMessagingService(ctx, flags)
	if err != nil {
		return err
	}
	if svc != nil {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start %s channel: %w", *flags.channel, err)
		}
		defer svc.Stop()

		sender := store.NewOutboxSender(st, messaging.SendFunc(svc), store.WithPollInterval(*flags.outboxInterval))
		rm.RegisterRecoverable("outbox", recovery.OutboxRecovery(sender))
		runners = append(runners, sender.Run)
		if src, ok := svc.(messaging.InboundSource); ok {
			runners = append(runners, func(ctx context.Context) error { return dispatcher.Consume(ctx, src) })
		}
	} else {
		slog.Warn("No reply channel configured; replies stay queued in the outbox", "channel", *flags.channel)
	}
	rm.RegisterRecoverable("locks", recovery.LockRecovery(sweeper))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err)
	}

	sched := scheduler.NewScheduler()
	if err := sched.AddJob(*flags.pruneSchedule, scheduler.PruneDecisionsJob(ctx, st, *flags.retention, nil)); err != nil {
		return fmt.Errorf("schedule decision pruning %q: %w", *flags.pruneSchedule, err)
	}
	runners = append(runners, sched.Run)

	server := api.NewServer(eng, dispatcher, renderer, resolver, buildAPIOptions(flags)...)
	slog.Info("Bootstrapping BookingPipe", "channel", *flags.channel, "state_dir", *flags.stateDir)
	return server.Run(ctx, runners...)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.appDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(*flags.appDSN) == store.DSNTypePostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return append(storeOpts, store.WithPostgresDSN(*flags.appDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.appDSN)
	if dir := filepath.Dir(*flags.appDSN); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Warn("failed to create SQLite directory", "dir", dir, "error", err)
		}
	}
	return append(storeOpts, store.WithSQLiteDSN(*flags.appDSN))
}

// buildVocabProvider loads tenant vocabularies. With no files a "demo" tenant using the built-in
// vocabulary is served.
func buildVocabProvider(flags Flags) (*vocab.StaticProvider, error) {
	vocabs, err := vocab.LoadDirectory(*flags.vocabDir, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("load vocabularies: %w", err)
	}
	if len(vocabs) == 0 {
		slog.Warn("No tenant vocabularies found, serving the demo tenant", "dir", *flags.vocabDir, "tenant", DefaultDemoTenant)
		vocabs = append(vocabs, vocab.Default(DefaultDemoTenant))
	}
	var opts []vocab.ProviderOption
	if *flags.fallbackVocab {
		opts = append(opts, vocab.WithFallback(vocab.Default("fallback")))
	}
	return vocab.NewStaticProvider(vocabs, opts...)
}

// buildClassifierOptions enables the LLM layer when an OpenAI key is available.
func buildClassifierOptions(flags Flags) ([]classifier.Option, error) {
	if *flags.openaiKey == "" {
		slog.Info("No OpenAI key, LLM intent layer disabled")
		return nil, nil
	}
	client, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return nil, fmt.Errorf("init genai: %w", err)
	}
	return []classifier.Option{classifier.WithLLM(client)}, nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	genaiOpts := []genai.Option{genai.WithAPIKey(*flags.openaiKey)}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	if *flags.genaiDebug {
		genaiOpts = append(genaiOpts, genai.WithDebug(true, *flags.stateDir))
	}
	return genaiOpts
}

// buildWhatsAppOptions constructs whatsmeow configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return waOpts
}

// buildMessagingService connects the reply channel. It returns nil for ChannelNone.
func buildMessagingService(ctx context.Context, flags Flags) (messaging.Service, error) {
	switch *flags.channel {
	case ChannelNone:
		return nil, nil
	case ChannelTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, fmt.Errorf("init twilio: %w", err)
		}
		return messaging.NewTwilioService(client), nil
	case ChannelWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, fmt.Errorf("init whatsmeow: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	default:
		return nil, fmt.Errorf("unknown channel %q", *flags.channel)
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.apiToken != "" {
		apiOpts = append(apiOpts, api.WithAPIToken(*flags.apiToken))
	}
	if *flags.validateTwilio && *flags.channel == ChannelTwilio {
		token := os.Getenv("TWILIO_AUTH_TOKEN")
		if token == "" || *flags.publicURL == "" {
			slog.Warn("Twilio signature validation needs TWILIO_AUTH_TOKEN and a public URL; webhooks are unverified")
		} else {
			apiOpts = append(apiOpts, api.WithTwilioSignature(twiliowhatsapp.NewWebhookValidator(token), *flags.publicURL))
		}
	}
	return apiOpts
}
