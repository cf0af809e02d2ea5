package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/genai-merch/api/internal/platform/firestore"
	pstorage "github.com/genai-merch/api/internal/platform/storage"
	"github.com/genai-merch/api/internal/repositories"
)

// RegistryDeps carries the collaborators needed to assemble the repository
// set. SignedURLs may be nil; the asset repository is then skipped and signed
// upload and download routes report unavailable.
type RegistryDeps struct {
	Provider     *pfirestore.Provider
	SignedURLs   *pstorage.Client
	AssetsBucket string
	Health       repositories.HealthRepository
}

// Registry bundles the Firestore-backed repositories behind the accessor
// interface the dependency container consumes.
type Registry struct {
	provider *pfirestore.Provider

	wizardSessions *WizardSessionRepository
	designs        *DesignRepository
	prepareJobs    *PrepareJobRepository
	carts          *CartRepository
	products       *ProductRepository
	assets         *AssetRepository
	auditLogs      *AuditLogRepository
	counters       *CounterRepository
	health         repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs every repository against the shared provider.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.Provider == nil {
		return nil, errors.New("registry: firestore provider is required")
	}

	reg := &Registry{
		provider: deps.Provider,
		health:   deps.Health,
	}

	var err error
	if reg.wizardSessions, err = NewWizardSessionRepository(deps.Provider); err != nil {
		return nil, fmt.Errorf("registry: wizard sessions: %w", err)
	}
	if reg.designs, err = NewDesignRepository(deps.Provider); err != nil {
		return nil, fmt.Errorf("registry: designs: %w", err)
	}
	if reg.prepareJobs, err = NewPrepareJobRepository(deps.Provider); err != nil {
		return nil, fmt.Errorf("registry: prepare jobs: %w", err)
	}
	if reg.carts, err = NewCartRepository(deps.Provider); err != nil {
		return nil, fmt.Errorf("registry: carts: %w", err)
	}
	if reg.products, err = NewProductRepository(deps.Provider); err != nil {
		return nil, fmt.Errorf("registry: products: %w", err)
	}
	if reg.auditLogs, err = NewAuditLogRepository(deps.Provider); err != nil {
		return nil, fmt.Errorf("registry: audit logs: %w", err)
	}
	if reg.counters, err = NewCounterRepository(deps.Provider); err != nil {
		return nil, fmt.Errorf("registry: counters: %w", err)
	}
	if deps.SignedURLs != nil {
		if reg.assets, err = NewAssetRepository(deps.Provider, deps.SignedURLs, deps.AssetsBucket); err != nil {
			return nil, fmt.Errorf("registry: assets: %w", err)
		}
	}

	return reg, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// RunInTx executes fn inside a Firestore transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry: firestore provider is required")
	}
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}

func (r *Registry) WizardSessions() repositories.WizardSessionRepository {
	if r == nil || r.wizardSessions == nil {
		return nil
	}
	return r.wizardSessions
}

func (r *Registry) Designs() repositories.DesignRepository {
	if r == nil || r.designs == nil {
		return nil
	}
	return r.designs
}

func (r *Registry) PrepareJobs() repositories.PrepareJobRepository {
	if r == nil || r.prepareJobs == nil {
		return nil
	}
	return r.prepareJobs
}

func (r *Registry) Carts() repositories.CartRepository {
	if r == nil || r.carts == nil {
		return nil
	}
	return r.carts
}

func (r *Registry) Products() repositories.ProductRepository {
	if r == nil || r.products == nil {
		return nil
	}
	return r.products
}

func (r *Registry) Assets() repositories.AssetRepository {
	if r == nil || r.assets == nil {
		return nil
	}
	return r.assets
}

func (r *Registry) AuditLogs() repositories.AuditLogRepository {
	if r == nil || r.auditLogs == nil {
		return nil
	}
	return r.auditLogs
}

func (r *Registry) Counters() repositories.CounterRepository {
	if r == nil || r.counters == nil {
		return nil
	}
	return r.counters
}

func (r *Registry) Health() repositories.HealthRepository {
	if r == nil {
		return nil
	}
	return r.health
}
