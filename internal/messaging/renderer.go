package messaging

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/vocab"
)

// DefaultResponseKey is the last template tried for any response key.
const DefaultResponseKey = "default"

// Renderer resolves response keys into tenant templates.
type Renderer struct {
	vocabs vocab.Provider
}

// NewRenderer creates a Renderer over the tenant vocabularies.
func NewRenderer(vocabs vocab.Provider) *Renderer {
	return &Renderer{vocabs: vocabs}
}

// Render returns the text for a decision. A missing key falls back to its dotted parents, so
// "booking.collect_service.clarify" may be served by "booking.collect_service", and finally to
// DefaultResponseKey. Templates may use {flow}, {step}, {next_flow} and {interrupted_flow}.
func (r *Renderer) Render(ctx context.Context, d models.FlowLockDecision) (string, string, error) {
	v, err := r.vocabs.Vocabulary(ctx, d.TenantID)
	if err != nil {
		return "", "", err
	}
	tmpl, key, ok := lookup(v, d.ResponseKey)
	if !ok {
		return "", "", fmt.Errorf("no template for %q and no %q template for tenant %s", d.ResponseKey, DefaultResponseKey, d.TenantID)
	}
	replacer := strings.NewReplacer(
		"{flow}", string(d.ActiveFlow),
		"{step}", string(d.Step),
		"{next_flow}", string(d.NextFlowHint),
		"{interrupted_flow}", string(d.InterruptedFlow),
	)
	return replacer.Replace(tmpl), key, nil
}

func lookup(v *vocab.Vocabulary, key string) (string, string, bool) {
	for k := key; k != ""; {
		if s, ok := v.Response(k); ok {
			return s, k, true
		}
		i := strings.LastIndexByte(k, '.')
		if i < 0 {
			break
		}
		k = k[:i]
	}
	s, ok := v.Response(DefaultResponseKey)
	return s, DefaultResponseKey, ok
}
