package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/genai-merch/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	wizard          RouteRegistrar
	canvas          RouteRegistrar
	designs         RouteRegistrar
	cart            RouteRegistrar
	products        RouteRegistrar
	recommendations RouteRegistrar
	uploads         RouteRegistrar
	downloads       RouteRegistrar
	checkout        RouteRegistrar
	system          RouteRegistrar
	admin           RouteRegistrar
	internal        RouteRegistrar

	authMiddlewares     []func(http.Handler) http.Handler
	internalMiddlewares []func(http.Handler) http.Handler
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// NewRouter constructs the chi router with shared middleware and expected
// route groups. Catalog reads stay public; every other user-facing group runs
// behind the auth middlewares, and /internal behind the internal ones.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	r := chi.NewRouter()

	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		mount := func(path string, registrar RouteRegistrar, name string, groupMW []func(http.Handler) http.Handler) {
			api.Route(path, func(group chi.Router) {
				for _, mw := range groupMW {
					if mw != nil {
						group.Use(mw)
					}
				}
				if registrar != nil {
					registrar(group)
					return
				}
				registerNotImplemented(group, name)
			})
		}

		mount("/wizard/sessions", cfg.wizard, "wizard", cfg.authMiddlewares)
		mount("/canvas/sessions", cfg.canvas, "canvas", cfg.authMiddlewares)
		mount("/designs", cfg.designs, "designs", cfg.authMiddlewares)
		mount("/cart", cfg.cart, "cart", cfg.authMiddlewares)
		mount("/products", cfg.products, "products", nil)
		mount("/recommendations", cfg.recommendations, "recommendations", nil)
		mount("/uploads", cfg.uploads, "uploads", cfg.authMiddlewares)
		mount("/downloads", cfg.downloads, "downloads", cfg.authMiddlewares)
		mount("/checkout", cfg.checkout, "checkout", cfg.authMiddlewares)
		mount("/system", cfg.system, "system", cfg.authMiddlewares)
		mount("/admin", cfg.admin, "admin", nil)
		mount("/internal", cfg.internal, "internal", cfg.internalMiddlewares)
	})

	return r
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz endpoints.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithWizardRoutes configures the registrar for the wizard session endpoints.
func WithWizardRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.wizard = reg
	}
}

// WithCanvasRoutes configures the registrar for canvas session endpoints.
func WithCanvasRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.canvas = reg
	}
}

// WithDesignRoutes configures the registrar for saved design endpoints.
func WithDesignRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.designs = reg
	}
}

// WithCartRoutes configures the registrar for cart endpoints.
func WithCartRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.cart = reg
	}
}

// WithProductRoutes configures the registrar for public catalog endpoints.
func WithProductRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.products = reg
	}
}

// WithRecommendationRoutes configures the registrar for product recommendations.
func WithRecommendationRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.recommendations = reg
	}
}

// WithUploadRoutes configures the registrar for asset upload endpoints.
func WithUploadRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.uploads = reg
	}
}

// WithDownloadRoutes configures the registrar for asset download endpoints.
func WithDownloadRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.downloads = reg
	}
}

// WithCheckoutRoutes configures the registrar for checkout endpoints.
func WithCheckoutRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.checkout = reg
	}
}

// WithSystemRoutes configures the registrar for system diagnostics endpoints.
func WithSystemRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.system = reg
	}
}

// WithAdminRoutes configures the registrar for admin endpoints. Admin
// handlers enforce their own role checks.
func WithAdminRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.admin = reg
	}
}

// WithInternalRoutes configures the registrar for internal endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.internal = reg
	}
}

// WithAuthMiddlewares configures middlewares applied to authenticated groups.
func WithAuthMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.authMiddlewares = append(cfg.authMiddlewares, mw...)
	}
}

// WithInternalMiddlewares configures middlewares applied to the /internal group.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.internalMiddlewares = append(cfg.internalMiddlewares, mw...)
	}
}

func registerNotImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
