package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	fbapp "firebase.google.com/go/v4"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"google.golang.org/api/option"

	"marketchat/internal/adapter/api"
	"marketchat/internal/adapter/api/handler"
	apimiddleware "marketchat/internal/adapter/api/middleware"
	"marketchat/internal/adapter/api/router"
	"marketchat/internal/adapter/repository"
	domainrepo "marketchat/internal/domain/repository"
	"marketchat/internal/domain/service"
	"marketchat/internal/infrastructure/firebase"
	"marketchat/internal/infrastructure/jwtauth"
	"marketchat/internal/infrastructure/pubsub"
	"marketchat/internal/infrastructure/ratelimit"
	"marketchat/internal/infrastructure/storage"
	"marketchat/internal/infrastructure/websocket"
	"marketchat/internal/usecase"
	"marketchat/pkg/config"
	"marketchat/pkg/logger"
)

// backends is everything main builds from the configured drivers.
type backends struct {
	repos    usecase.Repositories
	feed     domainrepo.ChangeFeed
	broker   service.ChannelBroker
	objects  service.ObjectStorage
	verifier service.TokenVerifier
	issuer   handler.TokenIssuer
	profiles handler.ProfileWriter
	checks   map[string]handler.Pinger
	closers  []func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Get().Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Init(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := buildBackends(ctx, cfg)
	if err != nil {
		logger.Get().Fatal().Err(err).Msg("Failed to initialize backends")
	}
	defer func() {
		for i := len(b.closers) - 1; i >= 0; i-- {
			b.closers[i]()
		}
	}()

	rateLimiter := ratelimit.NewRateLimiter(ratelimit.DefaultPolicies)
	rateLimiter.StartCleanupRoutine(ctx)

	chatUseCase := usecase.NewChatUseCase(b.repos, b.objects, rateLimiter, cfg.MaxAttachmentBytes)

	wsManager := websocket.NewManager(websocket.Deps{
		Chat:     chatUseCase,
		Feed:     b.feed,
		Broker:   b.broker,
		Verifier: b.verifier,
		Profiles: b.repos.Profiles,
		Session: usecase.SessionConfig{
			TypingQuietPeriod: cfg.TypingQuietPeriod,
			GroupGap:          cfg.MessageGroupGap,
		},
	})
	wsManager.Start(ctx)

	var devTokenHandler *handler.DevTokenHandler
	if cfg.IsDevelopment() {
		devTokenHandler = handler.NewDevTokenHandler(b.issuer, b.profiles)
	}
	handler.Setup(
		handler.NewChatHandler(chatUseCase, cfg.MessageGroupGap),
		handler.NewWebSocketHandler(wsManager, cfg.AllowedOrigins),
		handler.NewHealthHandler(b.checks, wsManager),
		devTokenHandler,
	)

	e := echo.New()
	e.HideBanner = true

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(apimiddleware.RequestLogger())
	e.Use(apimiddleware.Metrics())
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: cfg.AllowedOrigins}))
	} else {
		e.Use(echomw.CORS())
	}

	e.Validator = api.NewValidator()

	authMiddleware := apimiddleware.NewAuthMiddleware(b.verifier)
	router.Setup(e, authMiddleware, rateLimiter, cfg.Environment)

	go func() {
		logger.Info("Starting server on port %s (store=%s pubsub=%s storage=%s auth=%s)",
			cfg.ServerPort, cfg.StoreDriver, cfg.PubSubDriver, cfg.StorageDriver, cfg.AuthDriver)
		if err := e.Start(":" + cfg.ServerPort); err != nil && err != http.ErrServerClosed {
			logger.Get().Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown: %v", err)
	}
}

func buildBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{checks: map[string]handler.Pinger{}}
	credentials := firebase.CredentialsOption(cfg.FirebaseServiceAccountJSON, cfg.FirebaseServiceAccountPath)

	var app *fbapp.App
	if cfg.NeedsFirebase() {
		var err error
		app, err = firebase.NewApp(ctx, cfg.FirebaseProject, credentials)
		if err != nil {
			return nil, err
		}
	}

	if err := b.useStore(ctx, cfg, credentials); err != nil {
		return nil, err
	}

	switch cfg.PubSubDriver {
	case config.DriverRedis:
		broker, err := pubsub.NewRedisBroker(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.broker = broker
		b.checks["redis"] = broker
		b.closers = append(b.closers, func() { broker.Close() })
	default:
		b.broker = pubsub.NewMemoryBroker()
	}

	switch cfg.StorageDriver {
	case config.DriverGCS:
		objects, err := storage.NewCloudStorageClient(ctx, cfg.StorageBucket, cfg.SignedURLExpiry, firebase.ClientOptions(credentials)...)
		if err != nil {
			return nil, err
		}
		b.objects = objects
		b.closers = append(b.closers, func() { objects.Close() })
	default:
		b.objects = storage.NewMemoryStorage()
	}

	switch cfg.AuthDriver {
	case config.DriverFirebase:
		authClient, err := app.Auth(ctx)
		if err != nil {
			return nil, err
		}
		fb := firebase.NewFirebaseAuthClient(authClient)
		b.verifier = fb
		b.issuer = fb
	default:
		authority := jwtauth.NewAuthority(cfg.JWTSecret, cfg.JWTExpiry)
		b.verifier = authority
		b.issuer = authority
	}

	return b, nil
}

func (b *backends) useStore(ctx context.Context, cfg *config.Config, credentials option.ClientOption) error {
	switch cfg.StoreDriver {
	case config.DriverFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirebaseProject, firebase.ClientOptions(credentials)...)
		if err != nil {
			return err
		}
		b.repos = usecase.Repositories{
			Conversations: repository.NewFirestoreConversationRepository(client),
			Messages:      repository.NewFirestoreMessageRepository(client),
			ReadStates:    repository.NewFirestoreReadStateRepository(client),
			Profiles:      repository.NewFirestoreProfileRepository(client),
			Products:      repository.NewFirestoreProductRepository(client),
		}
		b.feed = repository.NewFirestoreChangeFeed(client)
		b.checks["firestore"] = handler.PingFunc(func(ctx context.Context) error {
			_, err := client.Collection("conversations").Limit(1).Documents(ctx).GetAll()
			return err
		})
		b.closers = append(b.closers, func() { client.Close() })

	case config.DriverPostgres:
		store, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return err
		}
		feed := repository.NewPostgresChangeFeed(store)
		b.repos = usecase.Repositories{
			Conversations: store.Conversations(),
			Messages:      store.Messages(),
			ReadStates:    store.ReadStates(),
			Profiles:      store.Profiles(),
			Products:      store.Products(),
		}
		b.feed = feed
		b.checks["postgres"] = store
		b.closers = append(b.closers, store.Close, feed.Close)

	default:
		logger.Warn("Using the in-memory store; data is lost on restart")
		store := repository.NewMemoryStore()
		b.repos = usecase.Repositories{
			Conversations: store.Conversations(),
			Messages:      store.Messages(),
			ReadStates:    store.ReadStates(),
			Profiles:      store.Profiles(),
			Products:      store.Products(),
		}
		b.feed = store
		b.profiles = store
	}
	return nil
}
