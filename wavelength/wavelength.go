package wavelength

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Set at build time via ldflags.
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

var defaultLogWriter io.Writer = os.Stdout

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

// Wavelength is the relay bot: it owns the gateway session, the frequency
// registry, the correspondence table, the delivery resolver and the
// dispatcher, and wires them together for the lifetime of a Run call.
type Wavelength struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db      *gorm.DB
	writeDB DBI

	discord    *Discord
	registry   *FrequencyRegistry
	table      *CorrespondenceTable
	resolver   *DeliveryResolver
	dispatcher *RelayDispatcher
	api        *API

	startedAt time.Time

	// runMu prevents concurrent Run calls
	runMu sync.Mutex

	// signalStop triggers a graceful shutdown when a value is sent
	signalStop chan struct{}

	// signalReady has a value sent on it once startup completes
	signalReady chan struct{}
}

// New assembles a Wavelength instance from config. The database and the
// gateway connection are not touched until Run.
func New(config *Config) (*Wavelength, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	w := &Wavelength{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	w.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	w.logger = slog.New(w.logHandler)
	slog.SetDefault(w.logger)

	config.Discord.httpClient = config.HTTPClient

	disc, err := newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}
	disc.logger = slog.New(
		newLogHandler(defaultLogWriter, config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	w.discord = disc

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(
			defaultLogWriter, config.Discord.DiscordGoLogLevel,
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	session, err := disc.newSession()
	if err != nil {
		return nil, err
	}
	disc.session = session

	w.table = NewCorrespondenceTable(
		config.Relay.CorrespondenceTTL,
		config.Relay.CorrespondenceMaxEntries,
		w.logger,
	)
	w.resolver = NewDeliveryResolver(
		session,
		config.Relay.WebhookCacheTTL,
		config.Relay.WebhookNegativeCacheTTL,
		w.logger,
	)

	if config.API.Enabled {
		api, apiErr := newAPI(w, config.API)
		if apiErr != nil {
			return nil, apiErr
		}
		w.api = api
	}

	return w, nil
}

// ValidateConfig checks the config against its binding tags.
func (w *Wavelength) ValidateConfig() error {
	err := structValidator.Struct(w.config)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		errs := make([]error, 0, len(validationErrors))
		for _, fieldErr := range validationErrors {
			errs = append(
				errs,
				fmt.Errorf(
					"field '%s' failed on '%s'",
					fieldErr.Namespace(),
					fieldErr.Tag(),
				),
			)
		}
		return errors.Join(errs...)
	}
	return err
}

// initDB opens the database, applies SQLite tuning when relevant, and
// migrates the registry tables.
func (w *Wavelength) initDB(ctx context.Context) error {
	handler := newLogHandler(defaultLogWriter, w.config.DatabaseLogLevel)
	gormLogger := newGORMLogger(handler, w.config.DatabaseSlowThreshold)

	db, err := getDB(w.config.DatabaseType, w.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	w.db = db
	w.writeDB = NewDatabase(
		db,
		w.logger,
		w.config.DatabaseType == dbTypePostgres,
	)

	if w.config.DatabaseType == dbTypeSQLite {
		if err = applySQLitePragmas(ctx, db); err != nil {
			return err
		}
	}

	w.logger.Debug("migrating database...")
	err = db.WithContext(ctx).AutoMigrate(
		&Frequency{},
		&ChannelLink{},
		&FrequencyBan{},
	)
	if err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	w.logger.Debug("finished migrating database")
	return nil
}

// recoverFlush writes the registry synchronously when a panic unwinds,
// then continues the panic. A crash mid-debounce would otherwise lose
// mutations that haven't been persisted yet.
func (w *Wavelength) recoverFlush() {
	r := recover()
	if r == nil {
		return
	}
	if w.registry != nil {
		flushCtx, cancel := context.WithTimeout(
			context.Background(),
			w.config.ShutdownTimeout,
		)
		if err := w.registry.Flush(flushCtx); err != nil {
			w.logger.Error(
				"error flushing registry during panic",
				tint.Err(err),
			)
		}
		cancel()
	}
	panic(r)
}

// Run starts the bot and blocks until the context is cancelled or Stop is
// called, then shuts down gracefully.
func (w *Wavelength) Run(ctx context.Context) error {
	// prevents concurrent runs
	w.runMu.Lock()
	defer w.runMu.Unlock()
	defer w.recoverFlush()

	w.signalStop = make(chan struct{}, 1)
	w.startedAt = time.Now()
	logger := w.logger

	if err := w.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-w.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.LogAttrs(
		ctx, slog.LevelInfo, "starting",
		slog.String("version", Version),
		slog.Any("config", w.config),
	)

	startCtx, startCancel := context.WithTimeout(ctx, w.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- w.initRun(startCtx)
	}()
	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}

	runtimeWG := &sync.WaitGroup{}
	w.startBackground(ctx, runtimeWG)

	if err := w.openGateway(ctx); err != nil {
		return err
	}

	w.signalReady <- struct{}{}
	logger.InfoContext(ctx, "ready")

	<-ctx.Done()
	return w.shutdown(runtimeWG)
}

// Stop triggers a graceful shutdown of a running instance.
func (w *Wavelength) Stop() {
	select {
	case w.signalStop <- struct{}{}:
	default:
	}
}

// initRun performs startup work that must complete within the startup
// timeout: database init and registry load.
func (w *Wavelength) initRun(ctx context.Context) error {
	if err := w.initDB(ctx); err != nil {
		return err
	}

	store := newGORMRegistryStore(w.writeDB, w.logger)
	w.registry = NewFrequencyRegistry(
		store,
		w.logger,
		w.config.Relay.PersistDebounce,
	)
	if err := w.registry.Load(ctx); err != nil {
		return fmt.Errorf("error loading registry: %w", err)
	}

	w.dispatcher = NewRelayDispatcher(
		w.registry,
		w.table,
		w.resolver,
		w.discord.session,
		w.config.Relay,
		w.config.HTTPClient,
		w.logger,
	)
	return nil
}

// openGateway registers event handlers, opens the websocket connection
// and registers slash commands.
func (w *Wavelength) openGateway(ctx context.Context) error {
	disc := w.discord
	session := disc.session

	disc.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(disc.handlerConnect()),
		session.AddHandler(disc.handlerDisconnect()),
		session.AddHandler(disc.handlerReady()),
		session.AddHandler(w.handlerInteractionCreate()),
		session.AddHandler(w.handlerMessageCreate(ctx)),
		session.AddHandler(w.handlerReactionAdd(ctx)),
		session.AddHandler(w.handlerReactionRemove(ctx)),
		session.AddHandler(w.handlerGuildDelete()),
	}

	if err := session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if _, err := disc.registerCommands(); err != nil {
		return err
	}

	disc.updateCustomStatus(w.registry.Count())
	w.sendStartupMessages()
	return nil
}

// startBackground launches the housekeeping goroutines: the registry
// persister, the cache sweeps, and the status API.
func (w *Wavelength) startBackground(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		w.registry.runPersister(ctx)
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		w.runSweeper(
			ctx,
			w.config.Relay.CorrespondenceSweepInterval,
			w.table.Sweep,
		)
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		w.runSweeper(
			ctx,
			w.config.Relay.WebhookCacheSweepInterval,
			w.resolver.Sweep,
		)
	}()

	if w.api != nil {
		go func() {
			err := w.api.Serve(ctx)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.logger.ErrorContext(
					ctx, "error serving api HTTP", tint.Err(err),
				)
			}
		}()
	}
}

func (w *Wavelength) runSweeper(
	ctx context.Context,
	interval time.Duration,
	sweep func() int,
) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// sendStartupMessages notifies each frequency's owner channel that the
// bot is back online. Best-effort.
func (w *Wavelength) sendStartupMessages() {
	message := w.config.Discord.StartupMessage
	if message == "" {
		return
	}
	for _, summary := range w.registry.List() {
		go func(channelID string) {
			_, err := w.discord.session.ChannelMessageSend(
				channelID,
				message,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			)
			if err != nil {
				w.logger.Warn(
					"unable to send startup message",
					tint.Err(err),
					"channel_id", channelID,
				)
			}
		}(summary.OwnerChannelID)
	}
}

// handlerMessageCreate feeds gateway messages into the relay pipeline.
// Each message runs in its own goroutine so a slow fan-out never blocks
// the gateway event loop.
func (w *Wavelength) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		go func() {
			defer w.recoverFlush()
			w.dispatcher.HandleMessageCreate(ctx, m)
		}()
	}
}

func (w *Wavelength) handlerReactionAdd(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.MessageReactionAdd,
) {
	return func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
		go func() {
			defer w.recoverFlush()
			w.dispatcher.HandleReactionAdd(ctx, r)
		}()
	}
}

func (w *Wavelength) handlerReactionRemove(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.MessageReactionRemove,
) {
	return func(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
		go func() {
			defer w.recoverFlush()
			w.dispatcher.HandleReactionRemove(ctx, r)
		}()
	}
}

// handlerGuildDelete unlinks a guild's channels when the bot is removed
// from it.
func (w *Wavelength) handlerGuildDelete() func(
	s *discordgo.Session,
	g *discordgo.GuildDelete,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		defer w.recoverFlush()
		if g.Unavailable {
			// outage, not a removal
			return
		}
		affected := w.registry.RemoveGuild(g.ID)
		if len(affected) > 0 {
			w.logger.Info(
				"removed guild",
				"guild_id", g.ID,
				"affected_frequencies", len(affected),
			)
			w.discord.updateCustomStatus(w.registry.Count())
		}
	}
}

// shutdown closes the gateway, flushes the registry and releases the
// database, bounded by the shutdown timeout.
func (w *Wavelength) shutdown(runtimeWG *sync.WaitGroup) error {
	logger := w.logger
	logger.Warn("shutting down")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		w.config.ShutdownTimeout,
	)
	defer cancel()

	for _, removeHandler := range w.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}
	if err := w.discord.session.Close(); err != nil {
		logger.Error("error closing discord session", tint.Err(err))
	}

	if w.api != nil {
		if err := w.api.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down api", tint.Err(err))
		}
	}

	runtimeWG.Wait()

	// final synchronous flush so no debounced mutations are lost
	if err := w.registry.Flush(shutdownCtx); err != nil {
		logger.Error("error flushing registry", tint.Err(err))
	}

	if w.db != nil {
		sqlDB, err := w.db.DB()
		if err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				logger.Error("error closing database", tint.Err(closeErr))
			}
		}
	}

	logger.Warn("shutdown complete")
	return nil
}
