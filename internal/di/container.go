package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/genai-merch/api/internal/genai"
	"github.com/genai-merch/api/internal/payments"
	"github.com/genai-merch/api/internal/platform/config"
	"github.com/genai-merch/api/internal/platform/requestctx"
	"github.com/genai-merch/api/internal/platform/storage"
	"github.com/genai-merch/api/internal/repositories"
	"github.com/genai-merch/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Wizard     services.WizardService
	Generation services.GenerationService
	Design     services.DesignService
	Canvas     services.CanvasService
	Cart       services.CartService
	Checkout   services.CheckoutService
	Catalog    services.CatalogService
	Assets     services.AssetService
	Counters   services.CounterService
	System     services.SystemService
	Audit      services.AuditLogService
	Jobs       services.BackgroundJobDispatcher
}

// Infrastructure carries the platform collaborators the service layer builds
// on: the generation vendor client, object storage, the payment manager, and
// the prepare-job publisher. Fields may be left nil; services that cannot be
// assembled without them stay nil and their routes respond 503.
type Infrastructure struct {
	GenAI      *genai.Client
	Writer     *storage.ObjectWriter
	Mirror     *storage.Mirror
	Copier     *storage.Copier
	Payments   *payments.Manager
	Publisher  services.PrepareJobPublisher
	HTTPClient *http.Client
	Logger     *zap.Logger
	Clock      func() time.Time
	Build      services.BuildInfo
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides
// real clients through Infrastructure, while tests can supply in-memory
// registries and leave the rest empty.
func NewContainer(cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(cfg, reg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, infra Infrastructure) (Services, error) {
	var svc Services

	clock := infra.Clock
	if clock == nil {
		clock = time.Now
	}
	logEvent := eventLogger(infra.Logger)

	if auditRepo := reg.AuditLogs(); auditRepo != nil {
		deps := services.AuditLogServiceDeps{
			Repository: auditRepo,
			Clock:      clock,
		}
		if infra.Logger != nil {
			deps.Logger = infra.Logger.Sugar()
		}
		auditSvc, err := services.NewAuditLogService(deps)
		if err != nil {
			return Services{}, fmt.Errorf("build audit log service: %w", err)
		}
		svc.Audit = auditSvc
	}

	counterRepo := reg.Counters()
	if counterRepo != nil {
		counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
			Repository: counterRepo,
			Clock:      clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build counter service: %w", err)
		}
		svc.Counters = counterSvc
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		build := infra.Build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            build,
			Audit:            svc.Audit,
			Counters:         svc.Counters,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	productsRepo := reg.Products()
	if productsRepo != nil {
		catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
			Products: productsRepo,
			Audit:    svc.Audit,
			Clock:    clock,
			Logger:   logEvent,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build catalog service: %w", err)
		}
		svc.Catalog = catalogSvc
	}

	sessionsRepo := reg.WizardSessions()
	designsRepo := reg.Designs()
	jobsRepo := reg.PrepareJobs()

	if jobsRepo != nil && designsRepo != nil && infra.Publisher != nil {
		jobDeps := services.BackgroundJobDispatcherDeps{
			Jobs:             jobsRepo,
			Designs:          designsRepo,
			Sessions:         sessionsRepo,
			Publisher:        infra.Publisher,
			Audit:            svc.Audit,
			Clock:            clock,
			Logger:           logEvent,
			PrintReadyBucket: cfg.Storage.PrintReadyBucket,
		}
		if infra.Copier != nil {
			jobDeps.Promoter = infra.Copier
		}
		dispatcher, err := services.NewBackgroundJobDispatcher(jobDeps)
		if err != nil {
			return Services{}, fmt.Errorf("build prepare dispatcher: %w", err)
		}
		svc.Jobs = dispatcher
	}

	if sessionsRepo != nil {
		deps := services.WizardServiceDeps{
			Sessions: sessionsRepo,
			Prepares: svc.Jobs,
			Audit:    svc.Audit,
			Clock:    clock,
			Logger:   logEvent,
		}
		if cfg.Features.EnableFollowUpQuestions && infra.GenAI != nil {
			deps.FollowUps = infra.GenAI
		}
		wizardSvc, err := services.NewWizardService(deps)
		if err != nil {
			return Services{}, fmt.Errorf("build wizard service: %w", err)
		}
		svc.Wizard = wizardSvc
	}

	if sessionsRepo != nil && infra.GenAI != nil {
		generationSvc, err := services.NewGenerationService(services.GenerationServiceDeps{
			Sessions:  sessionsRepo,
			Generator: infra.GenAI,
			Clock:     clock,
			Logger:    logEvent,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build generation service: %w", err)
		}
		svc.Generation = generationSvc
	}

	if designsRepo != nil && sessionsRepo != nil {
		deps := services.DesignServiceDeps{
			Designs:      designsRepo,
			Sessions:     sessionsRepo,
			Jobs:         jobsRepo,
			Counters:     counterRepo,
			Dispatcher:   svc.Jobs,
			Audit:        svc.Audit,
			AssetsBucket: cfg.Storage.AssetsBucket,
			Clock:        clock,
			Logger:       logEvent,
		}
		if infra.Mirror != nil {
			deps.Mirror = infra.Mirror
		}
		designSvc, err := services.NewDesignService(deps)
		if err != nil {
			return Services{}, fmt.Errorf("build design service: %w", err)
		}
		svc.Design = designSvc
	}

	if sessionsRepo != nil && productsRepo != nil && designsRepo != nil {
		deps := services.CanvasServiceDeps{
			Sessions:     sessionsRepo,
			Products:     productsRepo,
			Designs:      designsRepo,
			HTTPClient:   infra.HTTPClient,
			ExportBucket: cfg.Storage.ExportsBucket,
			Clock:        clock,
			Logger:       logEvent,
		}
		if infra.Writer != nil {
			deps.Writer = infra.Writer
		}
		canvasSvc, err := services.NewCanvasService(deps)
		if err != nil {
			return Services{}, fmt.Errorf("build canvas service: %w", err)
		}
		svc.Canvas = canvasSvc
	}

	pricer, err := services.NewStaticCartPricer(services.StaticCartPricerDeps{Logger: logEvent})
	if err != nil {
		return Services{}, fmt.Errorf("build cart pricer: %w", err)
	}

	cartsRepo := reg.Carts()
	if cartsRepo != nil && productsRepo != nil {
		cartSvc, err := services.NewCartService(services.CartServiceDeps{
			Repository: cartsRepo,
			Products:   productsRepo,
			Designs:    designsRepo,
			Pricer:     pricer,
			Clock:      clock,
			Logger:     logEvent,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build cart service: %w", err)
		}
		svc.Cart = cartSvc
	}

	if cartsRepo != nil && designsRepo != nil && infra.Payments != nil {
		checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
			Carts:    cartsRepo,
			Designs:  designsRepo,
			Payments: infra.Payments,
			Pricer:   pricer,
			Audit:    svc.Audit,
			Clock:    clock,
			Logger:   logEvent,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build checkout service: %w", err)
		}
		svc.Checkout = checkoutSvc
	}

	if assetsRepo := reg.Assets(); assetsRepo != nil {
		deps := services.AssetServiceDeps{
			Repository: assetsRepo,
			Bucket:     cfg.Storage.AssetsBucket,
			Clock:      clock,
			Logger:     logEvent,
		}
		if infra.Writer != nil {
			deps.Writer = infra.Writer
		}
		assetSvc, err := services.NewAssetService(deps)
		if err != nil {
			return Services{}, fmt.Errorf("build asset service: %w", err)
		}
		svc.Assets = assetSvc
	}

	return svc, nil
}

// eventLogger adapts the zap logger to the event-callback form service
// constructors accept. Events carry the request trace id when one is present.
func eventLogger(base *zap.Logger) func(context.Context, string, map[string]any) {
	if base == nil {
		return nil
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		zapFields := make([]zap.Field, 0, len(fields)+1)
		if traceID := requestctx.TraceID(ctx); traceID != "" {
			zapFields = append(zapFields, zap.String("traceId", traceID))
		}
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		base.Info(event, zapFields...)
	}
}
