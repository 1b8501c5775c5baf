// Package app builds the sync engine for one session and runs it: the
// realtime socket, the send pipeline, the cache and the control API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"inboxsync/config"
	"inboxsync/internal/adapters/backend"
	"inboxsync/internal/attachments"
	"inboxsync/internal/auth"
	"inboxsync/internal/cache"
	"inboxsync/internal/clock"
	"inboxsync/internal/db"
	"inboxsync/internal/eventbus"
	"inboxsync/internal/handlers"
	"inboxsync/internal/pipeline"
	"inboxsync/internal/services"
	"inboxsync/internal/transport"
)

// refreshSkew is how long before expiry the access token is renewed.
const refreshSkew = 30 * time.Second

// App owns every component of a running session.
type App struct {
	cfg   *config.Config
	clock clock.Clock

	Session   *auth.Session
	Backend   *backend.Client
	Store     *cache.Store
	Transport *transport.Manager
	Pipeline  *pipeline.Pipeline
	Sync      *services.RealtimeSyncService
	Inbox     *services.InboxService
	API       *handlers.Server

	database  *sqlx.DB
	publisher *eventbus.RabbitPublisher

	fatal chan error

	mu       sync.Mutex
	identity transport.Identity
	runCtx   context.Context
}

// Option adjusts how New builds the application.
type Option func(*options)

type options struct {
	clock  clock.Clock
	dialer transport.Dialer
}

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithDialer replaces the websocket dialer.
func WithDialer(d transport.Dialer) Option { return func(o *options) { o.dialer = d } }

// New wires the components described by cfg. Optional integrations
// (outbox database, S3, RabbitMQ) are built only when configured.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, clock: o.clock, fatal: make(chan error, 1), runCtx: context.Background()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if cfg.Mode == config.ModeAgent {
		var refresher auth.Refresher
		if cfg.RefreshCookie != "" {
			r, err := backend.NewRefresher(cfg.APIBaseURL, cfg.RefreshCookie)
			if err != nil {
				return nil, err
			}
			refresher = r
		} else {
			log.Warn().Msg("REFRESH_COOKIE not set, the session ends when the access token expires")
		}
		a.Session = auth.NewSession(cfg.AccessToken, refresher, a.clock)
		a.Session.OnFatal(a.onSessionFatal)
	}

	var err error
	if a.Backend, err = backend.NewClient(cfg.APIBaseURL, a.Session, cfg.PageSize); err != nil {
		return nil, err
	}
	a.Store = cache.NewStore()

	a.Transport, err = transport.NewManager(transport.Options{
		URL:    cfg.WSURL,
		Dialer: o.dialer,
		Clock:  a.clock,
		Backoff: transport.Backoff{
			Base:        cfg.ReconnectBaseDelay,
			Max:         cfg.ReconnectMaxDelay,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		},
		PingInterval: cfg.PingInterval,
		OnReconnectScheduled: func(attempt int, delay time.Duration) {
			log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Realtime reconnect scheduled")
		},
	})
	if err != nil {
		return nil, err
	}

	popts := pipeline.Options{
		Store:   a.Store,
		Clock:   a.clock,
		Timeout: cfg.SendTimeout,
	}
	if cfg.Mode == config.ModeAgent {
		popts.Sender = pipeline.RESTSender{Client: a.Backend}
	} else {
		popts.Sender = pipeline.SocketSender{Transport: a.Transport}
	}
	if cfg.S3Enabled {
		uploader, err := attachments.NewS3Uploader(attachments.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
			PublicURL: cfg.S3PublicURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 uploader: %w", err)
		}
		popts.Uploader = uploader
	}
	if cfg.DatabaseURL != "" {
		if a.database, err = db.Open(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		outbox, err := db.NewOutboxStore(a.database)
		if err != nil {
			return nil, err
		}
		popts.Outbox = outbox
	}
	if a.Pipeline, err = pipeline.New(popts); err != nil {
		return nil, err
	}

	sopts := services.SyncOptions{
		Store:             a.Store,
		Pipeline:          a.Pipeline,
		Presence:          services.NewPresenceTracker(cfg.TypingTTL),
		Clock:             a.clock,
		CountFromCustomer: cfg.Mode == config.ModeAgent,
		OnResync:          a.resync,
	}
	if cfg.RabbitMQURL != "" {
		a.publisher, err = eventbus.Dial(eventbus.Config{
			URL:            cfg.RabbitMQURL,
			Queue:          cfg.RabbitMQQueue,
			Prefix:         cfg.RabbitMQQueuePrefix,
			SpecificEvents: cfg.AMQPSpecificEvents,
			Source:         string(cfg.Mode),
		})
		if err != nil {
			// The mirror is optional; syncing works without it.
			log.Error().Err(err).Msg("RabbitMQ unavailable, realtime events will not be mirrored")
		} else {
			sopts.Mirror = a.publisher
		}
	}
	if a.Sync, err = services.NewRealtimeSyncService(sopts); err != nil {
		return nil, err
	}

	var typing services.TypingNotifier = services.SocketTyping{Transport: a.Transport}
	if cfg.Mode == config.ModeAgent {
		typing = a.Backend
	}
	if a.Inbox, err = services.NewInboxService(a.Backend, a.Store, a.Sync, typing, cfg.PageSize); err != nil {
		return nil, err
	}

	api := handlers.Options{
		Inbox:        a.Inbox,
		Messages:     a.Pipeline,
		Connection:   a.Transport,
		Presence:     a.Sync.Presence(),
		Store:        a.Store,
		FromCustomer: cfg.Mode == config.ModeVisitor,
	}
	if cfg.Mode == config.ModeVisitor {
		api.SenderID = cfg.VisitorUID
	}
	if a.API, err = handlers.NewServer(api); err != nil {
		return nil, err
	}

	ok = true
	log.Info().
		Str("mode", string(cfg.Mode)).
		Bool("outbox", popts.Outbox != nil).
		Bool("s3", popts.Uploader != nil).
		Bool("rabbitmq", sopts.Mirror != nil).
		Msg("Application initialized")
	return a, nil
}

// Run connects the socket, restores failed messages, serves the control
// API on lis and blocks until ctx ends or the session expires.
func (a *App) Run(ctx context.Context, lis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	srv := &http.Server{
		Handler:           a.API.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("address", lis.Addr().String()).Msg("Control API listening")
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case err := <-a.fatal:
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if n, err := a.Pipeline.Restore(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to restore outbox")
	} else if n > 0 {
		log.Info().Int("messages", n).Msg("Restored failed messages from outbox")
	}

	a.Sync.Start(a.Transport)
	defer a.Sync.Stop()
	unsub := a.Transport.OnStateChange(a.handleStateChange)
	defer unsub()
	if err := a.connect(ctx); err != nil {
		log.Error().Err(err).Msg("Could not start realtime connection")
	}

	if projectID, err := strconv.ParseInt(a.cfg.ProjectID, 10, 64); err == nil && a.cfg.Mode == config.ModeAgent {
		g.Go(func() error {
			if _, err := a.Inbox.LoadConversations(ctx, projectID, 0); err != nil {
				log.Warn().Err(err).Int64("projectID", projectID).Msg("Initial inbox load failed")
			}
			return nil
		})
	}

	err := g.Wait()
	a.Transport.Disconnect()
	return err
}

// connect dials with the current credential, renewing it first when it is
// about to expire.
func (a *App) connect(ctx context.Context) error {
	identity := transport.Identity{ProjectID: a.cfg.ProjectID, VisitorUID: a.cfg.VisitorUID}
	if a.Session != nil {
		token, err := a.Session.EnsureFresh(ctx, refreshSkew)
		if err != nil {
			return err
		}
		identity = transport.Identity{Token: token}
	}
	a.mu.Lock()
	a.identity = identity
	a.mu.Unlock()
	a.Transport.Connect(identity)
	return nil
}

// handleStateChange renews the credential after a drop when the token in use
// was replaced or is about to expire.
func (a *App) handleStateChange(change transport.StateChange) {
	if change.To != transport.StateDisconnected || a.Session == nil || a.Session.Expired() {
		return
	}
	a.mu.Lock()
	replaced := a.identity.Token != a.Session.Token()
	ctx := a.runCtx
	a.mu.Unlock()
	if ctx.Err() != nil || (!replaced && !a.Session.NeedsRefresh(refreshSkew)) {
		return
	}
	go a.renew(ctx)
}

// renew redials with a fresh token. The transport keeps its reconnect
// history, so the open that follows still triggers a resync.
func (a *App) renew(ctx context.Context) {
	token, err := a.Session.EnsureFresh(ctx, refreshSkew)
	if err != nil {
		log.Error().Err(err).Msg("Could not renew the realtime credential")
		return
	}
	identity := transport.Identity{Token: token}
	a.mu.Lock()
	if a.identity == identity {
		a.mu.Unlock()
		return
	}
	a.identity = identity
	a.mu.Unlock()
	log.Info().Msg("Access token renewed, reconnecting with the new credential")
	a.Transport.Renew(identity)
}

// resync reloads stale views after a reconnect.
func (a *App) resync() {
	a.mu.Lock()
	ctx := a.runCtx
	a.mu.Unlock()
	go func() {
		if err := a.Inbox.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("Resync after reconnect incomplete")
		}
	}()
}

func (a *App) onSessionFatal(err error) {
	log.Error().Err(err).Msg("Session expired, logging out")
	if a.Transport != nil {
		a.Transport.Close()
	}
	select {
	case a.fatal <- fmt.Errorf("%w: %v", auth.ErrSessionExpired, err):
	default:
	}
}

// Close releases everything New acquired. It is safe on a partially built
// App.
func (a *App) Close() {
	if a.Transport != nil {
		a.Transport.Close()
	}
	if a.Pipeline != nil {
		a.Pipeline.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing RabbitMQ connection")
		}
	}
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing database")
		}
	}
}
