// Package api exposes BookingPipe over HTTP: the Twilio WhatsApp webhook, a JSON demo ingress
// that returns the decision, conversation inspection and a health check.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/BookingPipe/internal/messaging"
	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/twiliowhatsapp"
)

const (
	DefaultAddr     = ":8080"
	shutdownTimeout = 10 * time.Second
)

// ConversationEngine decides messages and exposes stored conversations.
type ConversationEngine interface {
	messaging.DecisionEngine
	Conversation(ctx context.Context, tenantID, phone string) (*models.ConversationContext, error)
}

// Opts holds configuration for a Server.
type Opts struct {
	Addr      string
	APIToken  string
	Validator *twiliowhatsapp.WebhookValidator
	PublicURL string
	Clock     func() time.Time
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAPIToken requires "Authorization: Bearer <token>" on the demo and inspection routes.
func WithAPIToken(token string) Option {
	return func(o *Opts) { o.APIToken = token }
}

// WithTwilioSignature verifies X-Twilio-Signature on webhooks. publicURL is the externally
// visible base URL Twilio calls, e.g. "https://booking.example.com".
func WithTwilioSignature(v *twiliowhatsapp.WebhookValidator, publicURL string) Option {
	return func(o *Opts) {
		o.Validator = v
		o.PublicURL = strings.TrimRight(publicURL, "/")
	}
}

// WithClock sets the receive time source for webhook events.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Server serves the HTTP surface.
type Server struct {
	engine     ConversationEngine
	dispatcher *messaging.Dispatcher
	renderer   *messaging.Renderer
	resolver   *TenantResolver
	cfg        Opts
}

// NewServer creates a Server.
func NewServer(engine ConversationEngine, dispatcher *messaging.Dispatcher, renderer *messaging.Renderer, resolver *TenantResolver, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Server{
		engine:     engine,
		dispatcher: dispatcher,
		renderer:   renderer,
		resolver:   resolver,
		cfg:        cfg,
	}
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	r.Post("/webhooks/twilio", s.twilioWebhookHandler)
	r.Post("/webhooks/twilio/{tenantID}", s.twilioWebhookHandler)

	r.Group(func(r chi.Router) {
		if s.cfg.APIToken != "" {
			r.Use(bearerAuth(s.cfg.APIToken))
		}
		r.Post("/tenants/{tenantID}/messages", s.demoMessageHandler)
		r.Get("/tenants/{tenantID}/conversations/{phone}", s.conversationHandler)
	})
	return r
}

// Run serves HTTP and the given background runners until ctx is cancelled or one of them fails,
// then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context, runners ...func(context.Context) error) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server.Run: listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	for _, run := range runners {
		g.Go(func() error { return run(gctx) })
	}
	return g.Wait()
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				writeJSONResponse(w, http.StatusUnauthorized, models.Error("invalid or missing bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
