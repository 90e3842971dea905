package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pliu/lightning/internal/auth"
	"github.com/pliu/lightning/internal/config"
	"github.com/pliu/lightning/internal/delivery"
	"github.com/pliu/lightning/internal/email"
	"github.com/pliu/lightning/internal/handlers"
	"github.com/pliu/lightning/internal/middleware"
	"github.com/pliu/lightning/internal/presence"
	"github.com/pliu/lightning/internal/store"
	"github.com/pliu/lightning/internal/store/redisstore"
	"github.com/pliu/lightning/internal/store/sqlstore"
	"github.com/pliu/lightning/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx := context.Background()

	// Initialize Database
	sqlStore, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.Migrate)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	defer sqlStore.Close()
	logger.Info().Str("driver", cfg.Database.Driver).Msg("connected to database")

	var messages store.MessageStore = sqlStore
	pingers := []handlers.Pinger{sqlStore}
	if cfg.MessageStore == "redis" {
		redisStore, err := redisstore.NewRedisStore(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisStore.Close()
		messages = redisStore
		pingers = append(pingers, redisStore)
		logger.Info().Msg("messages stored in redis")
	}

	mailer := email.NewSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From,
		logger.With().Str("component", "email").Logger())
	authService := &auth.Service{
		Store:     sqlStore,
		Signer:    auth.NewSigner([]byte(cfg.Auth.Secret), cfg.Auth.TokenTTL),
		Mailer:    mailer,
		PublicURL: cfg.PublicURL,
		Logger:    logger.With().Str("component", "auth").Logger(),
	}

	registry := presence.NewRegistry[delivery.Conn]()
	router := delivery.NewRouter(messages, sqlStore, registry,
		logger.With().Str("component", "delivery").Logger(),
		delivery.Options{
			MaxTextBytes:  cfg.Limits.MaxTextBytes,
			MaxAudioBytes: cfg.Limits.MaxAudioBytes,
		})
	hub := ws.NewHub(authService, router, registry,
		logger.With().Str("component", "ws").Logger(),
		ws.Options{
			AllowedOrigins: cfg.WS.AllowedOrigins,
			MaxFrameBytes:  cfg.WS.MaxFrameBytes,
			WriteTimeout:   cfg.WS.WriteTimeout,
			PongWait:       cfg.WS.PongWait,
		})

	// Initialize Handlers
	authHandler := &handlers.AuthHandler{Auth: authService, Logger: logger}
	usersHandler := &handlers.UsersHandler{Store: sqlStore, Roster: router, Logger: logger}
	chatHandler := &handlers.ChatHandler{Users: sqlStore, Messages: messages, Logger: logger}
	requireAuth := middleware.Auth(authService)

	r := mux.NewRouter()
	r.Use(chimw.RequestID, middleware.Logger(logger), middleware.Metrics, chimw.Recoverer)

	// API Endpoints
	r.HandleFunc("/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/login", authHandler.Login).Methods("POST")
	r.HandleFunc("/verify", authHandler.Verify).Methods("GET")
	r.Handle("/users/online", requireAuth(http.HandlerFunc(usersHandler.Online))).Methods("GET")
	r.Handle("/users/search", requireAuth(http.HandlerFunc(usersHandler.SearchUsers))).Methods("GET")
	r.Handle("/conversations/{peer}/messages", requireAuth(http.HandlerFunc(chatHandler.GetConversation))).Methods("GET")

	// WebSocket Endpoint
	r.Handle("/ws", hub)

	r.HandleFunc("/healthz", handlers.Health(pingers...)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "OK - Lightning server is running")
	}).Methods("GET")

	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           corsHandler(r),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(hub.Shutdown)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("env", cfg.Env).
			Str("message_store", cfg.MessageStore).
			Msg("starting Lightning server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logger.Info().Msg("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}
