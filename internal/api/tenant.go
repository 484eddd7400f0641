package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/vocab"
)

// TenantTokenHeader carries a tenant ingress token.
const TenantTokenHeader = "X-Tenant-Token"

// LastTenantLookup returns the tenant that last talked to a phone, or "" when none did.
type LastTenantLookup interface {
	LastTenantForPhone(ctx context.Context, phone string) (string, error)
}

// TenantResolver picks the tenant of an inbound message. Sources are tried in order: ingress
// token header, {tenantID} route parameter, receiving channel account, then the tenant that last
// talked to the phone.
type TenantResolver struct {
	directory vocab.TenantDirectory
	last      LastTenantLookup
}

// NewTenantResolver creates a TenantResolver. last may be nil.
func NewTenantResolver(directory vocab.TenantDirectory, last LastTenantLookup) *TenantResolver {
	return &TenantResolver{directory: directory, last: last}
}

// Resolve picks the tenant of ev received over r. A token that matches no tenant is rejected
// rather than skipped.
func (t *TenantResolver) Resolve(r *http.Request, ev models.InboundEvent) (string, error) {
	if token := r.Header.Get(TenantTokenHeader); token != "" {
		tenant, ok := t.directory.TenantForToken(token)
		if !ok {
			return "", fmt.Errorf("%w: unrecognized ingress token", models.ErrUnknownTenant)
		}
		slog.Debug("TenantResolver.Resolve: by token", "tenant", tenant)
		return tenant, nil
	}
	if tenant := chi.URLParam(r, "tenantID"); tenant != "" {
		slog.Debug("TenantResolver.Resolve: by route", "tenant", tenant)
		return tenant, nil
	}
	return t.ForEvent(r.Context(), ev)
}

// ForEvent resolves events that carry no HTTP routing hints.
func (t *TenantResolver) ForEvent(ctx context.Context, ev models.InboundEvent) (string, error) {
	if tenant, ok := t.directory.TenantForChannel(ev.ChannelAccount); ok {
		slog.Debug("TenantResolver.ForEvent: by channel", "tenant", tenant, "channel", ev.ChannelAccount)
		return tenant, nil
	}
	if t.last != nil && ev.Phone != "" {
		tenant, err := t.last.LastTenantForPhone(ctx, ev.Phone)
		if err != nil {
			return "", fmt.Errorf("last tenant for phone: %w", err)
		}
		if tenant != "" {
			slog.Debug("TenantResolver.ForEvent: by last conversation", "tenant", tenant, "phone", ev.Phone)
			return tenant, nil
		}
	}
	return "", fmt.Errorf("%w: no tenant for channel %q and phone %q", models.ErrUnknownTenant, ev.ChannelAccount, ev.Phone)
}
