package vocab

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// Provider resolves the compiled vocabulary of a tenant.
type Provider interface {
	Vocabulary(ctx context.Context, tenantID string) (*Vocabulary, error)
}

// TenantDirectory maps inbound routing hints to tenant ids.
type TenantDirectory interface {
	TenantForToken(token string) (string, bool)
	TenantForChannel(account string) (string, bool)
}

// StaticProvider serves vocabularies loaded at startup.
type StaticProvider struct {
	byTenant map[string]*Vocabulary
	fallback *Vocabulary
	tokens   map[string]string
	channels map[string]string
}

// ProviderOpts holds configuration for a StaticProvider.
type ProviderOpts struct {
	Fallback *Vocabulary
}

// ProviderOption configures a StaticProvider.
type ProviderOption func(*ProviderOpts)

// WithFallback serves v to tenants without a vocabulary of their own.
func WithFallback(v *Vocabulary) ProviderOption {
	return func(o *ProviderOpts) {
		o.Fallback = v
	}
}

var (
	_ Provider        = (*StaticProvider)(nil)
	_ TenantDirectory = (*StaticProvider)(nil)
)

// NewStaticProvider indexes the given vocabularies, compiling any that are not compiled yet.
func NewStaticProvider(vocabs []*Vocabulary, opts ...ProviderOption) (*StaticProvider, error) {
	var cfg ProviderOpts
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &StaticProvider{
		byTenant: make(map[string]*Vocabulary, len(vocabs)),
		tokens:   make(map[string]string),
		channels: make(map[string]string),
	}
	for _, v := range vocabs {
		if !v.Compiled() {
			if err := v.Compile(); err != nil {
				return nil, err
			}
		}
		if _, dup := p.byTenant[v.TenantID]; dup {
			return nil, fmt.Errorf("duplicate vocabulary for tenant %s", v.TenantID)
		}
		p.byTenant[v.TenantID] = v
		for _, tok := range v.Tokens {
			if owner, ok := p.tokens[tok]; ok && owner != v.TenantID {
				return nil, fmt.Errorf("token shared by tenants %s and %s", owner, v.TenantID)
			}
			p.tokens[tok] = v.TenantID
		}
		for _, ch := range v.Channels {
			key := channelKey(ch)
			if owner, ok := p.channels[key]; ok && owner != v.TenantID {
				return nil, fmt.Errorf("channel %s shared by tenants %s and %s", ch, owner, v.TenantID)
			}
			p.channels[key] = v.TenantID
		}
	}
	if cfg.Fallback != nil {
		if !cfg.Fallback.Compiled() {
			if err := cfg.Fallback.Compile(); err != nil {
				return nil, err
			}
		}
		p.fallback = cfg.Fallback
	}
	return p, nil
}

// Vocabulary returns the tenant's vocabulary, or the fallback. Without a fallback an unknown
// tenant yields models.ErrUnknownTenant.
func (p *StaticProvider) Vocabulary(_ context.Context, tenantID string) (*Vocabulary, error) {
	if v, ok := p.byTenant[tenantID]; ok {
		return v, nil
	}
	if p.fallback != nil {
		return p.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", models.ErrUnknownTenant, tenantID)
}

// Known reports whether tenantID has a vocabulary of its own.
func (p *StaticProvider) Known(tenantID string) bool {
	_, ok := p.byTenant[tenantID]
	return ok
}

// TenantForToken returns the tenant that owns an ingress token.
func (p *StaticProvider) TenantForToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	t, ok := p.tokens[token]
	return t, ok
}

// TenantForChannel returns the tenant that owns a WhatsApp channel account.
func (p *StaticProvider) TenantForChannel(account string) (string, bool) {
	key := channelKey(account)
	if key == "" {
		return "", false
	}
	t, ok := p.channels[key]
	return t, ok
}

// channelKey reduces "whatsapp:+55 11 9999-0000" style accounts to their digits.
func channelKey(account string) string {
	var b strings.Builder
	for _, r := range account {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
