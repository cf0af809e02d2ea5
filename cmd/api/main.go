package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/genai-merch/api/internal/di"
	"github.com/genai-merch/api/internal/genai"
	"github.com/genai-merch/api/internal/handlers"
	"github.com/genai-merch/api/internal/payments"
	"github.com/genai-merch/api/internal/platform/auth"
	"github.com/genai-merch/api/internal/platform/config"
	pfirestore "github.com/genai-merch/api/internal/platform/firestore"
	"github.com/genai-merch/api/internal/platform/idempotency"
	"github.com/genai-merch/api/internal/platform/jobs"
	"github.com/genai-merch/api/internal/platform/observability"
	"github.com/genai-merch/api/internal/platform/secrets"
	platformstorage "github.com/genai-merch/api/internal/platform/storage"
	"github.com/genai-merch/api/internal/repositories"
	firestoreRepo "github.com/genai-merch/api/internal/repositories/firestore"
	"github.com/genai-merch/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	requiredSecrets := requiredSecretNames(envValues)
	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecrets...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	storageClient, err := cloudstorage.NewClient(ctx)
	if err != nil {
		logger.Fatal("failed to initialise storage client", zap.Error(err))
	}
	defer func() {
		if err := storageClient.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}()

	objectWriter, err := platformstorage.NewObjectWriter(storageClient)
	if err != nil {
		logger.Fatal("failed to initialise object writer", zap.Error(err))
	}

	fetchClient := &http.Client{Timeout: 30 * time.Second}
	imageMirror, err := platformstorage.NewMirror(objectWriter, fetchClient)
	if err != nil {
		logger.Fatal("failed to initialise image mirror", zap.Error(err))
	}

	objectCopier, err := platformstorage.NewCopier(storageClient)
	if err != nil {
		logger.Fatal("failed to initialise object copier", zap.Error(err))
	}

	signedURLClient := newSignedURLClient(ctx, logger, cfg, envValues, fetcher)

	healthRepo, err := newHealthRepository(firestoreClient, fetcher)
	if err != nil {
		logger.Warn("health: dependency checks init failed", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreRepo.RegistryDeps{
		Provider:     firestoreProvider,
		SignedURLs:   signedURLClient,
		AssetsBucket: cfg.Storage.AssetsBucket,
		Health:       healthRepo,
	})
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	var genaiClient *genai.Client
	if strings.TrimSpace(cfg.GenAI.GenerateEndpoint) != "" {
		genaiClient, err = genai.NewClient(genai.ClientConfig{
			GenerateEndpoint: cfg.GenAI.GenerateEndpoint,
			FollowUpEndpoint: cfg.GenAI.FollowUpEndpoint,
			PrepareEndpoint:  cfg.GenAI.PrepareEndpoint,
			AuthToken:        cfg.GenAI.AuthToken,
			Timeout:          cfg.GenAI.Timeout,
			Logger:           zapEventLogger(logger.Named("genai")),
		})
		if err != nil {
			logger.Fatal("failed to initialise generation client", zap.Error(err))
		}
	} else {
		logger.Warn("genai: generate endpoint not configured; generation routes will be unavailable")
	}

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Logger: zapEventLogger(logger.Named("payments")),
		Clock:  time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe payment provider", zap.Error(err))
	}
	paymentManager, err := payments.NewManager(map[string]payments.Provider{
		"stripe": stripeProvider,
	}, payments.WithDefaultProvider("stripe"))
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	var publisher services.PrepareJobPublisher
	var localRunner *jobs.LocalPrepareRunner
	var prepareTopic *pubsub.Topic
	if cfg.Features.EnableRemotePrepare {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.Jobs.PubSubProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		prepareTopic = pubsubClient.Topic(cfg.Jobs.PrepareTopic)
		remotePublisher, err := jobs.NewPubSubPreparePublisher(prepareTopic)
		if err != nil {
			logger.Fatal("failed to initialise prepare publisher", zap.Error(err))
		}
		publisher = remotePublisher
	} else if genaiClient != nil {
		localRunner, err = jobs.NewLocalPrepareRunner(genaiClient, logger.Named("jobs"))
		if err != nil {
			logger.Fatal("failed to initialise prepare runner", zap.Error(err))
		}
		publisher = localRunner
	} else {
		logger.Warn("jobs: prepare dispatch disabled without a generation client")
	}

	container, err := di.NewContainer(cfg, registry, di.Infrastructure{
		GenAI:      genaiClient,
		Writer:     objectWriter,
		Mirror:     imageMirror,
		Copier:     objectCopier,
		Payments:   paymentManager,
		Publisher:  publisher,
		HTTPClient: fetchClient,
		Logger:     logger,
		Clock:      time.Now,
		Build:      buildInfo,
	})
	if err != nil {
		logger.Fatal("failed to assemble services", zap.Error(err))
	}

	var pushWorker *jobs.PushWorker
	if genaiClient != nil {
		pushWorker, err = jobs.NewPushWorker(genaiClient, logger.Named("jobs"))
		if err != nil {
			logger.Fatal("failed to initialise push worker", zap.Error(err))
		}
	}
	if container.Services.Jobs != nil {
		if localRunner != nil {
			localRunner.BindCompleter(container.Services.Jobs)
		}
		if pushWorker != nil {
			pushWorker.BindCompleter(container.Services.Jobs)
		}
	}

	wizardOpts := make([]handlers.WizardOption, 0, 1)
	if cfg.RateLimits.AuthenticatedPerMinute > 0 {
		wizardOpts = append(wizardOpts, handlers.WithGenerateRateLimit(cfg.RateLimits.AuthenticatedPerMinute, time.Minute))
	}
	wizardHandlers := handlers.NewWizardHandlers(container.Services.Wizard, container.Services.Generation, container.Services.Design, wizardOpts...)
	canvasHandlers := handlers.NewCanvasHandlers(container.Services.Canvas)
	designHandlers := handlers.NewDesignHandlers(container.Services.Design)
	cartHandlers := handlers.NewCartHandlers(container.Services.Cart)
	catalogHandlers := handlers.NewCatalogHandlers(container.Services.Catalog)
	adminCatalogHandlers := handlers.NewAdminCatalogHandlers(authenticator, container.Services.Catalog)
	assetHandlers := handlers.NewAssetHandlers(container.Services.Assets)
	checkoutHandlers := handlers.NewCheckoutHandlers(container.Services.Checkout)
	var internalHandlers *handlers.InternalHandlers
	if pushWorker != nil {
		internalHandlers = handlers.NewInternalHandlers(pushWorker, container.Services.System)
	} else {
		internalHandlers = handlers.NewInternalHandlers(nil, container.Services.System)
	}
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		idempotencyMiddleware,
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithWizardRoutes(wizardHandlers.Routes),
		handlers.WithCanvasRoutes(canvasHandlers.Routes),
		handlers.WithDesignRoutes(designHandlers.Routes),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithProductRoutes(catalogHandlers.Routes),
		handlers.WithRecommendationRoutes(catalogHandlers.RecommendationRoutes),
		handlers.WithUploadRoutes(assetHandlers.UploadRoutes),
		handlers.WithDownloadRoutes(assetHandlers.DownloadRoutes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithSystemRoutes(func(r chi.Router) {
			r.Get("/health", healthHandlers.SystemHealth)
		}),
		handlers.WithAdminRoutes(adminCatalogHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
		handlers.WithAuthMiddlewares(authenticator.RequireFirebaseAuth()),
	}

	// Pub/Sub push and operator calls carry Google-signed OIDC tokens when a
	// JWKS endpoint is configured; environments without one fall back to HMAC
	// request signing.
	internalMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg)
	if internalMiddleware == nil {
		internalMiddleware = buildHMACMiddleware(logger.Named("auth"), cfg)
	}
	if internalMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(internalMiddleware))
	} else {
		logger.Warn("auth: internal routes are unprotected; configure OIDC or HMAC secrets")
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("genai-merch api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if localRunner != nil {
		if err := localRunner.Shutdown(shutdownCtx); err != nil {
			logger.Warn("prepare runner drain incomplete", zap.Error(err))
		}
	}
	if prepareTopic != nil {
		prepareTopic.Stop()
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Warn("repository close error", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// zapEventLogger adapts a zap logger to the event-callback form the platform
// clients accept.
func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Debug(event, zapFields...)
	}
}

// newSignedURLClient builds the signed URL issuer used for direct asset
// uploads and downloads. The key comes from the API_STORAGE_SIGNER_KEY value
// (inline service account JSON or a secret reference) or from the Firebase
// credentials file. Signed asset routes degrade to unavailable without one.
func newSignedURLClient(ctx context.Context, logger *zap.Logger, cfg config.Config, env map[string]string, fetcher *secrets.Fetcher) *platformstorage.Client {
	raw := ""
	if env != nil {
		raw = strings.TrimSpace(env["API_STORAGE_SIGNER_KEY"])
	}

	var (
		signer *platformstorage.ServiceAccountSigner
		err    error
	)
	switch {
	case raw != "" && (strings.HasPrefix(raw, "secret://") || strings.HasPrefix(raw, "sm://")):
		var keyJSON string
		if keyJSON, err = fetcher.Resolve(ctx, raw); err == nil {
			signer, err = platformstorage.NewServiceAccountSignerFromJSON([]byte(keyJSON))
		}
	case raw != "":
		signer, err = platformstorage.NewServiceAccountSignerFromJSON([]byte(raw))
	case strings.TrimSpace(cfg.Firebase.CredentialsFile) != "":
		signer, err = platformstorage.NewServiceAccountSignerFromFile(cfg.Firebase.CredentialsFile)
	default:
		logger.Warn("storage: url signer key not configured; signed asset routes will be unavailable")
		return nil
	}
	if err != nil {
		logger.Warn("storage: url signer init failed; signed asset routes will be unavailable", zap.Error(err))
		return nil
	}

	client, err := platformstorage.NewClient(signer)
	if err != nil {
		logger.Warn("storage: signed url client init failed", zap.Error(err))
		return nil
	}
	return client
}

func newHealthRepository(client *firestore.Client, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 2)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok {
					switch st.Code() {
					case codes.NotFound:
						return nil
					}
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return validator.RequireOIDC(audience, issuers)
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	hmacSecrets := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		hmacSecrets[strings.ToLower(key)] = value
	}
	if cfg.Webhooks.SigningSecret != "" {
		if _, ok := hmacSecrets["default"]; !ok {
			hmacSecrets["default"] = cfg.Webhooks.SigningSecret
		}
	}
	if len(hmacSecrets) == 0 {
		return nil
	}

	provider := staticSecretProvider{secrets: hmacSecrets}
	nonces := auth.NewInMemoryNonceStore()
	adapter := observability.NewPrintfAdapter(logger)
	validator := auth.NewHMACValidator(provider, nonces,
		auth.WithHMACLogger(adapter),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)

	return validator.RequireHMACResolver(internalSecretResolver(hmacSecrets))
}

type staticSecretProvider struct {
	secrets map[string]string
}

func (p staticSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if len(p.secrets) == 0 {
		return "", errors.New("auth: hmac secrets not configured")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", errors.New("auth: secret name required")
	}
	if secret, ok := p.secrets[key]; ok && secret != "" {
		return secret, nil
	}
	return "", errors.New("auth: secret not found")
}

// internalSecretResolver picks the HMAC secret for a request under /internal.
// The segment after "internal" selects a per-surface secret ("jobs" for the
// push endpoint), falling back to "internal" and then "default".
func internalSecretResolver(secrets map[string]string) func(*http.Request) (string, bool) {
	return func(r *http.Request) (string, bool) {
		segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		candidates := make([]string, 0, 3)
		for i, segment := range segments {
			if strings.EqualFold(segment, "internal") && i+1 < len(segments) {
				candidates = append(candidates, strings.ToLower(segments[i+1]))
				break
			}
		}
		candidates = append(candidates, "internal", "default")

		for _, candidate := range candidates {
			if secret, ok := secrets[candidate]; ok && secret != "" {
				return candidate, true
			}
		}
		return "", false
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := secretProjectMapFromEnv(env)
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	versionPins := secretVersionPinsFromEnv(env)
	credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if len(versionPins) > 0 {
		opts = append(opts, secrets.WithVersionPins(versionPins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"PSP.StripeAPIKey",
		"PSP.StripeWebhookSecret",
		"Webhooks.SigningSecret",
	}

	hmacRaw := ""
	if env != nil {
		hmacRaw = strings.TrimSpace(env["API_SECURITY_HMAC_SECRETS"])
		if token := strings.TrimSpace(env["API_GENAI_AUTH_TOKEN"]); token != "" {
			required = append(required, "GenAI.AuthToken")
		}
	}
	for _, key := range parseHMACSecretKeys(hmacRaw) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}

	return uniqueStrings(required)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_PROJECT_IDS"]
	}
	raw = strings.TrimSpace(raw)
	projects := make(map[string]string)
	if raw == "" {
		return projects
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		envLabel := strings.ToLower(strings.TrimSpace(parts[0]))
		project := strings.TrimSpace(parts[1])
		if envLabel == "" || project == "" {
			continue
		}
		projects[envLabel] = project
	}
	return projects
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_VERSION_PINS"]
	}
	raw = strings.TrimSpace(raw)
	pins := make(map[string]string)
	if raw == "" {
		return pins
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		ref := strings.TrimSpace(parts[0])
		version := strings.TrimSpace(parts[1])
		if ref == "" || version == "" {
			continue
		}
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		ref = prefix + ref
		pins[ref] = version
	}
	return pins
}

func parseHMACSecretKeys(raw string) []string {
	values := parseKeyValueList(raw)
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)
	return keys
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
