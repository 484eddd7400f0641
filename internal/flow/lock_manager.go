package flow

import (
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/vocab"
)

// Turn is one classified inbound message as seen by the lock manager.
type Turn struct {
	Now       time.Time
	MessageID string
	Text      string
	Detection models.IntentDetectionResult
	// Expired is the flow whose lock CheckExpiry finalized at the start of this turn, if any.
	Expired models.FlowType
}

// ExpiryOutcome tells the caller how to proceed after CheckExpiry.
type ExpiryOutcome int

const (
	// ExpiryNone means the lock, if any, is live and the turn proceeds normally.
	ExpiryNone ExpiryOutcome = iota
	// ExpiryWarned means a grace window was opened; the turn ends with the warning decision.
	ExpiryWarned
	// ExpiryChecking means the user answered inside the grace window; Check resolves the answer.
	ExpiryChecking
	// ExpiryFinalized means the lock was abandoned; the candidate runs against the no-lock branch.
	ExpiryFinalized
)

// ExpiryResult is the outcome of CheckExpiry.
type ExpiryResult struct {
	Outcome  ExpiryOutcome
	Flow     models.FlowType
	Decision models.FlowLockDecision
}

// LockManager owns creation, renewal, expiry and arbitration of a conversation's flow lock.
// It mutates the ConversationContext it is given; callers must hold the conversation's critical
// section.
type LockManager struct {
	machine   *Machine
	collector *Collector
}

// Opts holds configuration for a LockManager.
type Opts struct {
	Machine   *Machine
	Collector *Collector
}

// Option configures a LockManager.
type Option func(*Opts)

// WithMachine replaces the default step graphs.
func WithMachine(m *Machine) Option {
	return func(o *Opts) { o.Machine = m }
}

// WithCollector replaces the default data collector.
func WithCollector(c *Collector) Option {
	return func(o *Opts) { o.Collector = c }
}

// NewLockManager creates a LockManager over the default graphs unless overridden.
func NewLockManager(opts ...Option) *LockManager {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Machine == nil {
		cfg.Machine = MustNewMachine(DefaultGraphs()...)
	}
	if cfg.Collector == nil {
		cfg.Collector = NewCollector(nil)
	}
	return &LockManager{machine: cfg.Machine, collector: cfg.Collector}
}

// Machine returns the step graphs in use.
func (m *LockManager) Machine() *Machine {
	return m.machine
}

// CheckExpiry runs the three-stage grace process on an expired lock. It must be called before
// classification on every turn, and may be called by a sweeper without a message.
func (m *LockManager) CheckExpiry(now time.Time, messageID string, c *models.ConversationContext, v *vocab.Vocabulary) ExpiryResult {
	lock := c.FlowLock
	if lock == nil {
		return ExpiryResult{}
	}
	limit := v.Policy.HistoryLimit

	if lock.TimeoutStage != models.SystemTimeoutWarning && lock.TimeoutStage != models.SystemTimeoutChecking {
		if !lock.IsExpired(now) {
			return ExpiryResult{}
		}
		lock.TimeoutStage = models.SystemTimeoutWarning
		lock.Renew(now, v.Policy.GraceWindow)
		c.AppendMarker(models.SystemTimeoutWarning, lock.ActiveFlow, messageID, now, limit)

		d := newDecision(c, messageID, models.IntentDetectionResult{Method: models.MethodNone}, now)
		d.Action = models.ActionTimeout
		d.ResponseKey = "timeout.warning"
		d.SystemState = models.SystemTimeoutWarning
		d.ApplyLock(lock)
		d.Detection.ActiveFlow = lock.ActiveFlow
		slog.Debug("LockManager.CheckExpiry: grace window opened", "tenant", c.TenantID, "phone", c.Phone,
			"flow", lock.ActiveFlow, "step", lock.Step, "graceUntil", lock.ExpiresAt)
		return ExpiryResult{Outcome: ExpiryWarned, Flow: lock.ActiveFlow, Decision: d}
	}

	if !lock.IsExpired(now) {
		lock.TimeoutStage = models.SystemTimeoutChecking
		c.AppendMarker(models.SystemTimeoutChecking, lock.ActiveFlow, messageID, now, limit)
		return ExpiryResult{Outcome: ExpiryChecking, Flow: lock.ActiveFlow}
	}

	flow, step := lock.ActiveFlow, lock.Step
	m.abandonOnTimeout(c, messageID, now, v, "timeout")
	d := newDecision(c, messageID, models.IntentDetectionResult{Method: models.MethodNone}, now)
	d.Action = models.ActionTimeout
	d.ResponseKey = "timeout.abandoned"
	d.SystemState = models.SystemTimeoutFinalizing
	d.ActiveFlow = flow
	d.Step = models.StepAbandoned
	d.InterruptedFlow = flow
	d.Detection.ActiveFlow = flow
	slog.Info("LockManager.CheckExpiry: lock finalized after grace window", "tenant", c.TenantID, "phone", c.Phone,
		"flow", flow, "step", step)
	return ExpiryResult{Outcome: ExpiryFinalized, Flow: flow, Decision: d}
}

// Check arbitrates the turn's candidate intent against the conversation's lock and advances the
// flow state machine. It always returns a decision with a response key.
func (m *LockManager) Check(t Turn, c *models.ConversationContext, v *vocab.Vocabulary) models.FlowLockDecision {
	det := t.Detection
	d := newDecision(c, t.MessageID, det, t.Now)
	activeAtStart := models.FlowNone
	if c.FlowLock != nil {
		activeAtStart = c.FlowLock.ActiveFlow
	}

	if c.FlowLock == nil {
		m.startFlow(t, c, v, &d)
		if t.Expired != models.FlowNone {
			d.Action = models.ActionTimeout
			d.InterruptedFlow = t.Expired
			if !det.HasIntent() {
				d.ResponseKey = "timeout.abandoned"
				d.SystemState = models.SystemTimeoutFinalizing
			}
		}
	} else {
		m.checkActive(t, c, v, &d)
	}

	d.Detection.AllowedByFlowLock = d.AllowIntent
	d.Detection.ActiveFlow = activeAtStart
	if c.FlowLock == nil {
		d.ExpiresAt = nil
	}
	slog.Debug("LockManager.Check", "tenant", c.TenantID, "phone", c.Phone, "intent", det.Intent,
		"allow", d.AllowIntent, "flow", d.ActiveFlow, "step", d.Step, "action", d.Action, "key", d.ResponseKey)
	return d
}

func (m *LockManager) checkActive(t Turn, c *models.ConversationContext, v *vocab.Vocabulary, d *models.FlowLockDecision) {
	lock := c.FlowLock
	intent := t.Detection.Intent
	limit := v.Policy.HistoryLimit

	if lock.TimeoutStage == models.SystemTimeoutChecking {
		switch intent {
		case models.IntentConfirm:
			lock.TimeoutStage = ""
			lock.Renew(t.Now, v.Policy.TTLFor(lock.Priority))
			d.AllowIntent = true
			d.Action = models.ActionContinue
			d.ResponseKey = "timeout.resumed"
			d.ApplyLock(lock)
			return
		case models.IntentDeny:
			flow := lock.ActiveFlow
			c.AppendMarker(models.SystemTimeoutFinalizing, flow, t.MessageID, t.Now, limit)
			m.abandonOnTimeout(c, t.MessageID, t.Now, v, "timeout_declined")
			d.AllowIntent = true
			d.Action = models.ActionTimeout
			d.ResponseKey = "timeout.abandoned"
			d.SystemState = models.SystemTimeoutFinalizing
			d.ActiveFlow = flow
			d.Step = models.StepAbandoned
			d.InterruptedFlow = flow
			return
		default:
			lock.TimeoutStage = ""
		}
	}

	g, ok := m.machine.Graph(lock.ActiveFlow)
	if !ok {
		// A lock for a flow without a graph cannot progress.
		m.endLock(c, models.OutcomeAbandoned, "unknown_flow", t.Now, v)
		m.startFlow(t, c, v, d)
		return
	}
	def := g.Def(lock.Step)

	if def.Collect {
		if in, ok := v.InterruptFor(intent); ok {
			m.interrupt(t, c, v, d, in)
			return
		}
		m.collect(t, c, v, d, g)
		return
	}

	// The active flow's own graph is consulted first.
	if _, ok := g.Expects(lock.Step, intent); ok {
		m.advance(t, c, v, d, g, intent)
		return
	}

	if intent != models.IntentNone {
		if in, ok := v.InterruptFor(intent); ok {
			m.interrupt(t, c, v, d, in)
			return
		}
		if v.FlowFor(intent) == lock.ActiveFlow {
			// Restating the active flow's own intent never answers the step.
			lock.Renew(t.Now, v.Policy.TTLFor(lock.Priority))
			d.AllowIntent = true
			d.Action = models.ActionContinue
			d.ResponseKey = stepKey(lock.ActiveFlow, lock.Step)
			d.ApplyLock(lock)
			return
		}
		m.block(t, c, v, d)
		return
	}

	if def.FreeText != "" && strings.TrimSpace(t.Text) != "" {
		m.advance(t, c, v, d, g, models.IntentNone)
		return
	}

	d.AllowIntent = false
	d.Action = models.ActionContinue
	d.ResponseKey = stepKey(lock.ActiveFlow, lock.Step) + ".clarify"
	d.SystemState = models.SystemClarification
	d.ApplyLock(lock)
}

// startFlow runs the no-lock branch.
func (m *LockManager) startFlow(t Turn, c *models.ConversationContext, v *vocab.Vocabulary, d *models.FlowLockDecision) {
	intent := t.Detection.Intent
	if intent == models.IntentNone {
		d.AllowIntent = false
		d.Action = models.ActionContinue
		d.ResponseKey = "fallback.clarify"
		d.SystemState = models.SystemClarification
		c.AppendMarker(models.SystemClarification, models.FlowNone, t.MessageID, t.Now, v.Policy.HistoryLimit)
		return
	}

	flow := m.flowFor(t, c, v, intent)
	g, ok := m.machine.Graph(flow)
	if !ok {
		flow = models.FlowGeneral
		g, ok = m.machine.Graph(flow)
	}
	if !ok {
		d.AllowIntent = false
		d.Action = models.ActionContinue
		d.ResponseKey = "fallback.clarify"
		d.SystemState = models.SystemClarification
		return
	}

	lock, err := models.NewFlowLock(flow, g.Priority, t.Now, v.Policy.TTLFor(g.Priority))
	if err != nil {
		slog.Error("LockManager.startFlow: cannot create lock", "flow", flow, "error", err)
		d.AllowIntent = false
		d.Action = models.ActionContinue
		d.ResponseKey = "fallback.clarify"
		d.SystemState = models.SystemClarification
		return
	}
	lock.NextFlowHint = g.Hint
	c.FlowLock = lock
	c.Metrics.FlowsStarted++
	slog.Debug("LockManager.startFlow: lock created", "tenant", c.TenantID, "phone", c.Phone,
		"flow", flow, "priority", g.Priority, "expiresAt", lock.ExpiresAt)

	if _, ok := g.Expects(models.StepStart, intent); !ok {
		// Flows picked by context (onboarding, returning user) are entered directly.
		m.enter(t, c, v, d, g, g.Entry)
		return
	}
	m.advance(t, c, v, d, g, intent)
}

// flowFor maps an intent to the flow it starts, routing greetings into data collection when the
// profile still needs it.
func (m *LockManager) flowFor(t Turn, c *models.ConversationContext, v *vocab.Vocabulary, intent models.BusinessIntent) models.FlowType {
	flow := v.FlowFor(intent)
	if flow != models.FlowGreeting || !v.Policy.Onboarding() || ProfileComplete(&c.DataCollection) {
		return flow
	}
	if c.IsFirstContact() {
		return models.FlowOnboarding
	}
	if last := c.DataCollection.LastAttemptAt; last != nil && t.Now.Sub(*last) < v.Policy.DataRequestCooldown {
		return flow
	}
	return models.FlowReturningUser
}

// advance moves the active lock along its graph by intent (or free text when intent is null).
func (m *LockManager) advance(t Turn, c *models.ConversationContext, v *vocab.Vocabulary, d *models.FlowLockDecision, g *Graph, intent models.BusinessIntent) {
	lock := c.FlowLock
	from := lock.Step
	def := g.Def(from)
	tr, ok := m.machine.Transition(lock, intent, t.Text)
	if !ok {
		m.block(t, c, v, d)
		return
	}
	if marker, ok := def.Markers[intent]; ok {
		c.AppendMarker(marker, lock.ActiveFlow, t.MessageID, t.Now, v.Policy.HistoryLimit)
		d.SystemState = marker
		if marker == models.SystemReturningUserConsentDeclined {
			at := t.Now
			c.DataCollection.LastAttemptAt = &at
		}
	}
	d.AllowIntent = true

	switch {
	case tr.To.IsTerminal():
		key := stepKey(g.Flow, tr.To)
		if g.KeyByIntent && intent != models.IntentNone {
			key += "." + string(intent)
		}
		d.ResponseKey = key
		if flow, ok := def.Chain[intent]; ok && tr.To == models.StepComplete {
			m.finish(t, c, v, d, g)
			m.chain(t, c, v, d, flow)
			return
		}
		m.finish(t, c, v, d, g)
	default:
		if tr.To == from && intent != models.IntentNone {
			d.ResponseKey = stepKey(g.Flow, tr.To) + "." + string(intent)
		}
		m.enter(t, c, v, d, g, tr.To)
	}
}

// enter lands the lock on a non-terminal step, renewing its lease.
func (m *LockManager) enter(t Turn, c *models.ConversationContext, v *vocab.Vocabulary, d *models.FlowLockDecision, g *Graph, step models.FlowStep) {
	lock := c.FlowLock
	lock.Step = step
	def := g.Def(step)
	if def.Enter != "" {
		c.AppendMarker(def.Enter, g.Flow, t.MessageID, t.Now, v.Policy.HistoryLimit)
		d.SystemState = def.Enter
	}
	d.AllowIntent = true
	d.Action = models.ActionContinue
	if d.ResponseKey == "" {
		d.ResponseKey = stepKey(g.Flow, step)
	}

	if def.Collect {
		res := m.collector.Begin(c, lock, t.Now)
		if res.Done {
			m.completeCollection(t, c, v, d, g, res)
			return
		}
		d.ResponseKey = "collection." + string(res.State)
	}
	lock.Renew(t.Now, v.Policy.TTLFor(lock.Priority))
	d.ApplyLock(lock)
}

// collect hands a data-collection turn to the Collector.
func (m *LockManager) collect(t Turn, c *models.ConversationContext, v *vocab.Vocabulary, d *models.FlowLockDecision, g *Graph) {
	lock := c.FlowLock
	res := m.collector.Step(c, lock, t.Detection.Intent, t.Text, t.Now, v.Policy)
	if res.Marker != "" {
		c.AppendMarker(res.Marker, g.Flow, t.MessageID, t.Now, v.Policy.HistoryLimit)
		d.SystemState = res.Marker
	}
	d.Action = models.ActionContinue

	switch {
	case res.Done:
		d.AllowIntent = true
		m.completeCollection(t, c, v, d, g, res)
		return
	case res.Escalated:
		lock.Step = models.StepClarification
		d.AllowIntent = false
		d.ResponseKey = stepKey(g.Flow, models.StepClarification)
		slog.Info("LockManager.collect: escalated to clarification", "tenant", c.TenantID, "phone", c.Phone,
			"state", res.State, "retries", c.DataCollection.Retries)
	case res.Accepted:
		d.AllowIntent = true
		d.ResponseKey = "collection." + string(res.State)
	default:
		d.AllowIntent = false
		d.ResponseKey = "collection." + string(res.State) + ".retry"
	}
	lock.Renew(t.Now, v.Policy.TTLFor(lock.Priority))
	d.ApplyLock(lock)
}

func (m *LockManager) completeCollection(t Turn, c *models.ConversationContext, v *vocab.Vocabulary, d *models.FlowLockDecision, g *Graph, res CollectResult) {
	c.FlowLock.Step = models.StepComplete
	d.Collected = res.Profile
	d.ResponseKey = stepKey(g.Flow, models.StepComplete)
	m.finish(t, c, v, d, g)
}

// finish runs terminal handling for the active lock.
func (m *LockManager) finish(t Turn, c *models.ConversationContext, v *vocab.Vocabulary, d *models.FlowLockDecision, g *Graph) {
	lock := c.FlowLock
	d.ActiveFlow = lock.ActiveFlow
	d.Step = lock.Step
	d.ExpiresAt = nil

	if lock.Step == models.StepAbandoned {
		m.endLock(c, models.OutcomeAbandoned, "abandoned", t.Now, v)
		m.dropSuspended(c, t.Now, v, "abandoned")
		c.AppendMarker(models.SystemBookingAbandoned, g.Flow, t.MessageID, t.Now, v.Policy.HistoryLimit)
		d.SystemState = models.SystemBookingAbandoned
		d.Action = models.ActionAbort
		return
	}

	ended := m.endLock(c, models.OutcomeCompleted, "completed", t.Now, v)
	d.Action = models.ActionComplete
	if ended != nil && ended.NextFlowHint != models.FlowNone {
		d.NextFlowHint = ended.NextFlowHint
	}
	if s := c.SuspendedLock; s != nil {
		c.SuspendedLock = nil
		s.Renew(t.Now, v.Policy.TTLFor(s.Priority))
		c.FlowLock = s
		d.NextFlowHint = s.ActiveFlow
		exp := s.ExpiresAt
		d.ExpiresAt = &exp
		slog.Debug("LockManager.finish: resumed suspended lock", "tenant", c.TenantID, "phone", c.Phone,
			"flow", s.ActiveFlow, "step", s.Step)
	}
}

// chain starts flow at its entry step right after the previous flow completed.
func (m *LockManager) chain(t Turn, c *models.ConversationContext, v *vocab.Vocabulary, d *models.FlowLockDecision, flow models.FlowType) {
	if c.FlowLock != nil {
		return
	}
	g, ok := m.machine.Graph(flow)
	if !ok || g.Entry == "" {
		return
	}
	lock, err := models.NewFlowLock(flow, g.Priority, t.Now, v.Policy.TTLFor(g.Priority))
	if err != nil {
		return
	}
	lock.NextFlowHint = g.Hint
	c.FlowLock = lock
	c.Metrics.FlowsStarted++
	d.ResponseKey = ""
	m.enter(t, c, v, d, g, g.Entry)
}

// interrupt applies a declared high-priority interrupt to the active lock.
func (m *LockManager) interrupt(t Turn, c *models.ConversationContext, v *vocab.Vocabulary, d *models.FlowLockDecision, in vocab.Interrupt) {
	lock := c.FlowLock
	interrupted := lock.ActiveFlow
	d.AllowIntent = true
	d.InterruptedFlow = interrupted
	d.NextFlowHint = interrupted

	switch in.Effect {
	case vocab.EffectSuspend:
		lock.TimeoutStage = ""
		c.FlowLock = nil
		m.dropSuspended(c, t.Now, v, "replaced")
		c.SuspendedLock = lock
		slog.Info("LockManager.interrupt: suspended", "tenant", c.TenantID, "phone", c.Phone,
			"flow", interrupted, "step", lock.Step, "intent", in.Intent)
		m.startFlow(t, c, v, d)
		if c.FlowLock != nil && c.FlowLock.ActiveFlow != interrupted {
			c.FlowLock.NextFlowHint = interrupted
		}
		d.InterruptedFlow = interrupted
		if d.NextFlowHint == models.FlowNone {
			d.NextFlowHint = interrupted
		}
	default:
		lock.Step = models.StepAbandoned
		m.endLock(c, models.OutcomeAbandoned, "interrupt:"+string(in.Intent), t.Now, v)
		m.dropSuspended(c, t.Now, v, "interrupt:"+string(in.Intent))
		c.AppendMarker(models.SystemBookingAbandoned, interrupted, t.MessageID, t.Now, v.Policy.HistoryLimit)
		d.SystemState = models.SystemBookingAbandoned
		d.Action = models.ActionAbort
		d.ActiveFlow = interrupted
		d.Step = models.StepAbandoned
		d.ResponseKey = "interrupt." + string(in.Intent)
		d.ExpiresAt = nil
		slog.Info("LockManager.interrupt: aborted", "tenant", c.TenantID, "phone", c.Phone,
			"flow", interrupted, "intent", in.Intent)
	}
}

// block refuses a candidate that conflicts with the active flow.
func (m *LockManager) block(t Turn, c *models.ConversationContext, v *vocab.Vocabulary, d *models.FlowLockDecision) {
	lock := c.FlowLock
	d.AllowIntent = false
	d.Action = models.ActionContinue
	d.ResponseKey = "disambiguation." + string(lock.ActiveFlow)
	d.SystemState = models.SystemDisambiguation
	d.Detection.Metadata.OverrideAttempted = true
	c.AppendMarker(models.SystemDisambiguation, lock.ActiveFlow, t.MessageID, t.Now, v.Policy.HistoryLimit)
	d.ApplyLock(lock)
}

func (m *LockManager) abandonOnTimeout(c *models.ConversationContext, messageID string, now time.Time, v *vocab.Vocabulary, reason string) {
	lock := c.FlowLock
	if lock == nil {
		return
	}
	flow := lock.ActiveFlow
	if lock.TimeoutStage == models.SystemTimeoutWarning {
		c.AppendMarker(models.SystemTimeoutFinalizing, flow, messageID, now, v.Policy.HistoryLimit)
	}
	lock.TimeoutStage = models.SystemTimeoutFinalizing
	lock.Step = models.StepAbandoned
	m.endLock(c, models.OutcomeTimeout, reason, now, v)
	m.dropSuspended(c, now, v, reason)
	c.AppendMarker(models.SystemBookingAbandoned, flow, messageID, now, v.Policy.HistoryLimit)
}

func (m *LockManager) endLock(c *models.ConversationContext, outcome models.FlowOutcome, reason string, now time.Time, v *vocab.Vocabulary) *models.FlowLock {
	c.DataCollection.AwaitingInput = false
	c.DataCollection.AwaitingFields = nil
	return c.EndLock(outcome, reason, now, v.Policy.FlowHistoryLimit)
}

// dropSuspended ends a parked lock that can no longer be resumed.
func (m *LockManager) dropSuspended(c *models.ConversationContext, now time.Time, v *vocab.Vocabulary, reason string) {
	s := c.SuspendedLock
	if s == nil {
		return
	}
	c.SuspendedLock = nil
	active := c.FlowLock
	c.FlowLock = s
	c.EndLock(models.OutcomeInterrupted, reason, now, v.Policy.FlowHistoryLimit)
	c.FlowLock = active
}

func newDecision(c *models.ConversationContext, messageID string, det models.IntentDetectionResult, now time.Time) models.FlowLockDecision {
	return models.FlowLockDecision{
		MessageID:  messageID,
		TenantID:   c.TenantID,
		Phone:      c.Phone,
		Intent:     det.Intent,
		Confidence: det.Confidence,
		Method:     det.Method,
		Detection:  det,
		DecidedAt:  now,
	}
}

func stepKey(flow models.FlowType, step models.FlowStep) string {
	return string(flow) + "." + string(step)
}
