package engine

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/couchcryptid/outage-engine/internal/domain"
)

// Providers manages provider reference data. Writes are admin-only; the caller
// enforces that.
type Providers struct {
	*core
}

// Upsert creates or replaces a provider.
func (p *Providers) Upsert(ctx context.Context, prov domain.Provider) (domain.Provider, error) {
	prov.ID = strings.TrimSpace(prov.ID)
	prov.Name = strings.TrimSpace(prov.Name)
	if prov.ID == "" {
		return domain.Provider{}, fmt.Errorf("%w: provider id is required", domain.ErrInvalidArgument)
	}
	if prov.Name == "" {
		return domain.Provider{}, fmt.Errorf("%w: provider name is required", domain.ErrInvalidArgument)
	}
	if _, err := domain.ParseServiceType(string(prov.ServiceType)); err != nil {
		return domain.Provider{}, err
	}
	for _, u := range []string{prov.LogoURL, prov.OfficialStatusURL} {
		if u == "" {
			continue
		}
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return domain.Provider{}, fmt.Errorf("%w: invalid url %q", domain.ErrInvalidArgument, u)
		}
	}

	now := p.Clock.Now()
	prov.CreatedAt = now
	prov.UpdatedAt = now
	saved, err := p.Store.UpsertProvider(ctx, prov)
	if err != nil {
		return domain.Provider{}, fmt.Errorf("upsert provider: %w", err)
	}
	p.Logger.Info("provider saved", "provider_id", saved.ID, "service_type", saved.ServiceType)
	return saved, nil
}

// Get returns one provider.
func (p *Providers) Get(ctx context.Context, id string) (domain.Provider, error) {
	return p.Store.GetProvider(ctx, id)
}

// List returns every provider, ordered by name.
func (p *Providers) List(ctx context.Context) ([]domain.Provider, error) {
	return p.Store.ListProviders(ctx)
}
