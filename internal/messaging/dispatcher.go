package messaging

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

const (
	// DefaultWorkers is the number of inbound workers per source.
	DefaultWorkers = 4
	// DefaultInboundAttempts bounds how often a message is decided when the store fails.
	DefaultInboundAttempts = 5
	DefaultInboundBackoff  = 200 * time.Millisecond
)

// DecisionEngine decides one inbound message.
type DecisionEngine interface {
	HandleMessage(ctx context.Context, ev models.InboundEvent) (models.FlowLockDecision, error)
}

// TenantLookup resolves the tenant of an event that arrived without one.
type TenantLookup func(ctx context.Context, ev models.InboundEvent) (string, error)

// Dispatcher runs inbound events through the engine and queues the rendered replies.
type Dispatcher struct {
	engine   DecisionEngine
	renderer *Renderer
	outbox   store.OutboxRepo
	lookup   TenantLookup
	workers  int
	attempts int
	backoff  time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTenantLookup sets how events without a tenant are routed.
func WithTenantLookup(fn TenantLookup) DispatcherOption {
	return func(d *Dispatcher) { d.lookup = fn }
}

// WithWorkers sets the number of inbound workers.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithInboundRetry sets how many times a message is decided when loading or saving the
// conversation fails, and the delay before the first retry. The delay doubles on each retry.
func WithInboundRetry(attempts int, backoff time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.attempts = attempts
		}
		if backoff >= 0 {
			d.backoff = backoff
		}
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(engine DecisionEngine, renderer *Renderer, outbox store.OutboxRepo, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		engine:   engine,
		renderer: renderer,
		outbox:   outbox,
		workers:  DefaultWorkers,
		attempts: DefaultInboundAttempts,
		backoff:  DefaultInboundBackoff,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleInbound resolves the tenant if needed, decides the message and queues the reply.
func (d *Dispatcher) HandleInbound(ctx context.Context, ev models.InboundEvent) (models.FlowLockDecision, error) {
	if ev.TenantID == "" {
		if d.lookup == nil {
			return models.FlowLockDecision{}, fmt.Errorf("%w: no tenant for %s", models.ErrUnknownTenant, ev.Phone)
		}
		tenant, err := d.lookup(ctx, ev)
		if err != nil {
			return models.FlowLockDecision{}, err
		}
		ev.TenantID = tenant
	}
	decision, err := d.engine.HandleMessage(ctx, ev)
	if err != nil {
		return models.FlowLockDecision{}, err
	}
	if err := d.Enqueue(ctx, decision); err != nil {
		return decision, err
	}
	return decision, nil
}

// Enqueue renders a decision and stores the reply in the outbox. Replies to the same inbound
// message are queued once.
func (d *Dispatcher) Enqueue(ctx context.Context, decision models.FlowLockDecision) error {
	body, key, err := d.renderer.Render(ctx, decision)
	if err != nil {
		return fmt.Errorf("render %s: %w", decision.ResponseKey, err)
	}
	msg := store.OutboxMessage{
		TenantID:    decision.TenantID,
		Phone:       decision.Phone,
		Kind:        store.OutboxKindReply,
		Body:        body,
		ResponseKey: key,
		DedupeKey:   store.OutboxDedupeKey(decision.TenantID, decision.MessageID),
	}
	if decision.MessageID == "" {
		msg.Kind = store.OutboxKindTimeout
		msg.DedupeKey = fmt.Sprintf("%s:%s:%s:%d", decision.TenantID, decision.Phone, decision.ResponseKey, decision.DecidedAt.UnixNano())
	}
	id, created, err := d.outbox.EnqueueOutboxMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("enqueue reply: %w", err)
	}
	if !created {
		slog.Debug("Dispatcher.Enqueue: reply already queued", "id", id, "dedupe", msg.DedupeKey)
		return nil
	}
	slog.Debug("Dispatcher.Enqueue: reply queued", "id", id, "tenant", msg.TenantID, "phone", msg.Phone, "key", key)
	return nil
}

// Deliver queues a decision produced without an inbound message, such as a lock sweep.
func (d *Dispatcher) Deliver(ctx context.Context, decision models.FlowLockDecision) {
	if err := d.Enqueue(ctx, decision); err != nil {
		slog.Error("Dispatcher.Deliver: enqueue failed", "tenant", decision.TenantID, "phone", decision.Phone, "error", err)
	}
}

// Consume handles events from src until it is closed or ctx is done. Events of the same phone go
// to the same worker so they are decided in arrival order.
func (d *Dispatcher) Consume(ctx context.Context, src InboundSource) error {
	g, gctx := errgroup.WithContext(ctx)
	queues := make([]chan models.InboundEvent, d.workers)
	for i := range queues {
		q := make(chan models.InboundEvent, DefaultChannelBufferSize)
		queues[i] = q
		g.Go(func() error {
			for ev := range q {
				if err := d.handleWithRetry(gctx, ev); err != nil {
					slog.Error("Dispatcher.Consume: message failed", "phone", ev.Phone, "messageID", ev.MessageID, "error", err)
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		in := src.Inbound()
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-in:
				if !ok {
					return nil
				}
				select {
				case queues[shard(ev.Phone, len(queues))] <- ev:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})
	return g.Wait()
}

// handleWithRetry decides ev, retrying store failures in place so later messages of the same phone
// wait behind it. Replays are answered from the decision log.
func (d *Dispatcher) handleWithRetry(ctx context.Context, ev models.InboundEvent) error {
	delay := d.backoff
	var err error
	for attempt := 1; ; attempt++ {
		_, err = d.HandleInbound(ctx, ev)
		if err == nil || !retryable(err) || attempt >= d.attempts {
			return err
		}
		slog.Warn("Dispatcher.Consume: retrying message", "phone", ev.Phone, "messageID", ev.MessageID,
			"attempt", attempt, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", err, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
}

func retryable(err error) bool {
	return errors.Is(err, models.ErrContextLoad) || errors.Is(err, models.ErrContextSave)
}

// SendFunc adapts a Service to the outbox sender.
func SendFunc(svc Service) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		return svc.SendMessage(ctx, msg.Phone, msg.Body)
	}
}

func shard(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
