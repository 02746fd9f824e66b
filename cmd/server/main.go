package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/stravasync/internal/activities"
	"github.com/tyemirov/stravasync/internal/activitysync"
	"github.com/tyemirov/stravasync/internal/database"
	"github.com/tyemirov/stravasync/internal/metrics"
	"github.com/tyemirov/stravasync/internal/session"
	"github.com/tyemirov/stravasync/internal/strava"
	"github.com/tyemirov/stravasync/internal/tokens"
	"github.com/tyemirov/stravasync/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

const (
	inMemoryDatabaseURL = "sqlite:file:stravasync?mode=memory&cache=shared"
	redisKeyPrefix      = "stravasync:token"

	configCodeMissingClientID         = "config.missing_strava_client_id"
	configCodeMissingClientSecret     = "config.missing_strava_client_secret"
	configCodeInvalidRedirectURL      = "config.invalid_strava_redirect_url"
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeMissingSessionIssuer    = "config.missing_session_issuer"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeDatabaseInit            = "config.database_init"
	configCodeRedisInit               = "config.redis_init"
)

// ServerConfig carries the validated settings of the sync service.
type ServerConfig struct {
	ListenAddr         string
	DatabaseURL        string
	RedisURL           string
	StravaClientID     string
	StravaClientSecret string
	StravaRedirectURL  string
	ConnectRedirect    string
	SessionSigningKey  []byte
	SessionIssuer      string
	SessionCookieName  string
	DevInsecureHTTP    bool
	EnableCORS         bool
	CORSAllowedOrigins []string
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "stravasync",
		Short:   "Links application users to Strava and syncs their activities into a local store",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("database_url", "", "Database URL (postgres:// or sqlite:; leave empty for an in-memory SQLite database)")
	rootCmd.Flags().String("redis_url", "", "Redis URL for the Strava token cache; leave empty for an in-process cache")
	rootCmd.Flags().String("strava_client_id", "", "Strava API application client id")
	rootCmd.Flags().String("strava_client_secret", "", "Strava API application client secret")
	rootCmd.Flags().String("strava_redirect_url", "", "OAuth callback URL registered with Strava, ending in /strava/callback")
	rootCmd.Flags().String("connect_redirect", "", "Where the browser lands after connecting Strava; empty answers JSON")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 secret shared with the session issuer")
	rootCmd.Flags().String("session_issuer", "tauth", "Expected issuer of session tokens")
	rootCmd.Flags().String("session_cookie_name", session.DefaultCookieName, "Session cookie name")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, name := range []string{
		"listen_addr", "database_url", "redis_url",
		"strava_client_id", "strava_client_secret", "strava_redirect_url", "connect_redirect",
		"jwt_signing_key", "session_issuer", "session_cookie_name",
		"dev_insecure_http", "enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newSessionTokenCommand())
	return rootCmd
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig validates the viper-bound settings.
func LoadServerConfig() (ServerConfig, error) {
	clientID := strings.TrimSpace(viper.GetString("strava_client_id"))
	if clientID == "" {
		return ServerConfig{}, configError(configCodeMissingClientID, "strava_client_id must be provided")
	}
	clientSecret := strings.TrimSpace(viper.GetString("strava_client_secret"))
	if clientSecret == "" {
		return ServerConfig{}, configError(configCodeMissingClientSecret, "strava_client_secret must be provided")
	}
	redirectURL := strings.TrimSpace(viper.GetString("strava_redirect_url"))
	if parsed, parseErr := url.Parse(redirectURL); redirectURL == "" || parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ServerConfig{}, configError(configCodeInvalidRedirectURL, "strava_redirect_url must be an absolute URL")
	}
	signingKey := viper.GetString("jwt_signing_key")
	if signingKey == "" {
		return ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}
	issuer := strings.TrimSpace(viper.GetString("session_issuer"))
	if issuer == "" {
		return ServerConfig{}, configError(configCodeMissingSessionIssuer, "session_issuer must be provided")
	}
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}
	listenAddr := viper.GetString("listen_addr")
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	if databaseURL == "" {
		databaseURL = inMemoryDatabaseURL
	}

	return ServerConfig{
		ListenAddr:         listenAddr,
		DatabaseURL:        databaseURL,
		RedisURL:           strings.TrimSpace(viper.GetString("redis_url")),
		StravaClientID:     clientID,
		StravaClientSecret: clientSecret,
		StravaRedirectURL:  redirectURL,
		ConnectRedirect:    strings.TrimSpace(viper.GetString("connect_redirect")),
		SessionSigningKey:  []byte(signingKey),
		SessionIssuer:      issuer,
		SessionCookieName:  viper.GetString("session_cookie_name"),
		DevInsecureHTTP:    viper.GetBool("dev_insecure_http"),
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: corsAllowedOrigins,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	startupCtx := commandContext
	connection, openErr := database.Open(startupCtx, serverConfig.DatabaseURL)
	if openErr != nil {
		return fmt.Errorf("%s: %w", configCodeDatabaseInit, openErr)
	}
	defer func() { _ = connection.Close() }()
	if err := activities.Migrate(startupCtx, connection.DB); err != nil {
		return fmt.Errorf("%s: %w", configCodeDatabaseInit, err)
	}
	tokenStore, storeErr := tokens.NewDatabaseStore(startupCtx, connection.DB, connection.Driver)
	if storeErr != nil {
		return fmt.Errorf("%s: %w", configCodeDatabaseInit, storeErr)
	}
	logger.Info("database ready", zap.String("driver", connection.Driver))

	sessionCache, closeCache, cacheErr := buildSessionCache(startupCtx, serverConfig.RedisURL, logger)
	if cacheErr != nil {
		return fmt.Errorf("%s: %w", configCodeRedisInit, cacheErr)
	}
	defer closeCache()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsRecorder := metrics.NewPrometheusMetrics(registry)

	oauth := strava.NewOAuth(strava.OAuthConfig{
		ClientID:     serverConfig.StravaClientID,
		ClientSecret: serverConfig.StravaClientSecret,
		RedirectURL:  serverConfig.StravaRedirectURL,
	})
	tokenManager := tokens.NewManager(tokenStore, sessionCache, oauth,
		tokens.WithLogger(logger),
		tokens.WithMetrics(metricsRecorder))

	orchestrator := activitysync.NewOrchestrator(
		activitysync.NewDatabaseTransactor(activities.NewUnitOfWork(connection.DB)),
		activitysync.WithOrchestratorLogger(logger),
		activitysync.WithOrchestratorMetrics(metricsRecorder))
	rateLimiter := strava.NewRateLimiter()
	newClient := func(ctx context.Context, accessToken string) activitysync.ActivityClient {
		return strava.NewClientForToken(ctx, accessToken, strava.WithRateLimiter(rateLimiter))
	}
	syncService := activitysync.NewService(tokenManager, newClient, orchestrator, logger)

	validator, validatorErr := session.New(session.Config{
		SigningKey: serverConfig.SessionSigningKey,
		Issuer:     serverConfig.SessionIssuer,
		CookieName: serverConfig.SessionCookieName,
	})
	if validatorErr != nil {
		return validatorErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", web.HandleHealth(logger, func(ctx context.Context) error {
		return connection.DB.WithContext(ctx).Exec("SELECT 1").Error
	}))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	protected := router.Group("/")
	protected.Use(validator.GinMiddleware())
	web.NewStravaHandlers(oauth, tokenManager, syncService, web.StravaConfig{
		SuccessRedirect:   serverConfig.ConnectRedirect,
		AllowInsecureHTTP: serverConfig.DevInsecureHTTP,
	}, logger).Mount(protected)
	activityStore := activities.NewStore(connection.DB)
	web.NewActivityHandlers(func(userID string) web.ActivityQueries {
		return activityStore.ForUser(userID)
	}, activities.NewTypeRegistry(connection.DB), logger).Mount(protected)

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serverConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildSessionCache(ctx context.Context, redisURL string, logger *zap.Logger) (tokens.SessionCache, func(), error) {
	if redisURL == "" {
		logger.Info("using in-memory token cache")
		return tokens.NewMemorySessionCache(), func() {}, nil
	}
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, nil, parseErr
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("using redis token cache", zap.String("addr", options.Addr))
	return tokens.NewRedisSessionCache(client, logger, redisKeyPrefix), func() { _ = client.Close() }, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.String("user_id", session.UserID(contextGin)),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}
