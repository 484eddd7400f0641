package models

import (
	"fmt"
	"time"
)

// DataField names a profile field gathered by progressive data collection.
type DataField string

// CollectionState is the named position of the data-collection sub-flow.
type CollectionState string

// FlowOutcome records how a flow lock ended.
type FlowOutcome string

// Data field constants.
const (
	FieldName      DataField = "name"
	FieldEmail     DataField = "email"
	FieldGender    DataField = "gender"
	FieldBirthDate DataField = "birth_date"
	FieldAddress   DataField = "address"
)

// Collection state constants.
const (
	CollectionNone          CollectionState = ""
	CollectionNeedName      CollectionState = "need_name"
	CollectionNeedEmail     CollectionState = "need_email"
	CollectionNeedGender    CollectionState = "need_gender_confirmation"
	CollectionAskConsent    CollectionState = "ask_optional_data_consent"
	CollectionNeedBirthDate CollectionState = "need_birth_date"
	CollectionNeedAddress   CollectionState = "need_address"
	CollectionComplete      CollectionState = "collection_complete"
)

// Flow outcome constants.
const (
	OutcomeCompleted   FlowOutcome = "completed"
	OutcomeAbandoned   FlowOutcome = "abandoned"
	OutcomeTimeout     FlowOutcome = "timeout"
	OutcomeInterrupted FlowOutcome = "interrupted"
)

// ConversationContext holds per-session state for one (tenant, phone) pair.
type ConversationContext struct {
	SessionID        string                 `json:"session_id"`
	TenantID         string                 `json:"tenant_id"`
	Phone            string                 `json:"phone"`
	Domain           string                 `json:"domain,omitempty"`
	Source           MessageSource          `json:"source"`
	Mode             Mode                   `json:"mode"`
	SessionStartedAt time.Time              `json:"session_started_at"`
	LastMessageAt    time.Time              `json:"last_message_at"`
	MessageCount     int                    `json:"message_count"`
	FlowLock         *FlowLock              `json:"flow_lock,omitempty"`
	SuspendedLock    *FlowLock              `json:"suspended_lock,omitempty"`
	DataCollection   DataCollection         `json:"data_collection"`
	IntentHistory    []IntentHistoryEntry   `json:"intent_history,omitempty"`
	FlowLockHistory  []FlowLockHistoryEntry `json:"flow_lock_history,omitempty"`
	Metrics          FlowMetrics            `json:"flow_metrics"`
}

// DataCollection is the bookkeeping of the progressive data-collection sub-flow.
type DataCollection struct {
	State          CollectionState `json:"state,omitempty"`
	AwaitingInput  bool            `json:"awaiting_input"`
	AwaitingFields []DataField     `json:"awaiting_fields,omitempty"`
	KnownFields    []DataField     `json:"known_fields,omitempty"`
	Retries        int             `json:"retries"`
	Declined       bool            `json:"declined,omitempty"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	LastSuccessAt  *time.Time      `json:"last_success_at,omitempty"`
}

// IntentHistoryEntry is one audit row: either a classified intent or a system marker.
type IntentHistoryEntry struct {
	MessageID  string            `json:"message_id,omitempty"`
	Intent     BusinessIntent    `json:"intent,omitempty"`
	Marker     SystemFlowState   `json:"marker,omitempty"`
	Flow       FlowType          `json:"flow,omitempty"`
	Confidence float64           `json:"confidence"`
	Method     DecisionMethod    `json:"decision_method"`
	Timestamp  time.Time         `json:"timestamp"`
	Decision   *FlowLockDecision `json:"decision,omitempty"`
}

// FlowLockHistoryEntry records a finished flow lock.
type FlowLockHistoryEntry struct {
	Flow       FlowType    `json:"flow_type"`
	Step       FlowStep    `json:"step"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    time.Time   `json:"ended_at"`
	Outcome    FlowOutcome `json:"outcome"`
	Reason     string      `json:"reason,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

// FlowMetrics counts flow outcomes over the life of the conversation.
type FlowMetrics struct {
	FlowsStarted     int `json:"flows_started"`
	FlowsCompleted   int `json:"flows_completed"`
	FlowsAbandoned   int `json:"flows_abandoned"`
	FlowsTimedOut    int `json:"flows_timed_out"`
	FlowsInterrupted int `json:"flows_interrupted"`
}

// NewConversationContext creates the context for a first inbound message.
func NewConversationContext(sessionID, tenantID, phone string, source MessageSource, now time.Time) *ConversationContext {
	mode := ModeProd
	if source == SourceDemo {
		mode = ModeDemo
	}
	return &ConversationContext{
		SessionID:        sessionID,
		TenantID:         tenantID,
		Phone:            phone,
		Source:           source,
		Mode:             mode,
		SessionStartedAt: now,
		LastMessageAt:    now,
	}
}

// Touch registers one inbound message. LastMessageAt never moves backwards.
func (c *ConversationContext) Touch(now time.Time) {
	c.MessageCount++
	if now.After(c.LastMessageAt) {
		c.LastMessageAt = now
	}
}

// SessionDuration is derived from the session timestamps.
func (c *ConversationContext) SessionDuration() time.Duration {
	return c.LastMessageAt.Sub(c.SessionStartedAt)
}

// HasActiveLock reports whether a flow lock is held.
func (c *ConversationContext) HasActiveLock() bool {
	return c.FlowLock != nil
}

// IsFirstContact reports whether the current turn is the first message of the conversation.
func (c *ConversationContext) IsFirstContact() bool {
	return c.MessageCount <= 1
}

// AppendIntent adds an audit row, evicting the oldest rows beyond limit.
func (c *ConversationContext) AppendIntent(entry IntentHistoryEntry, limit int) {
	c.IntentHistory = append(c.IntentHistory, entry)
	if limit > 0 && len(c.IntentHistory) > limit {
		c.IntentHistory = append([]IntentHistoryEntry(nil), c.IntentHistory[len(c.IntentHistory)-limit:]...)
	}
}

// AppendMarker adds a system marker row.
func (c *ConversationContext) AppendMarker(marker SystemFlowState, flow FlowType, messageID string, at time.Time, limit int) {
	c.AppendIntent(IntentHistoryEntry{
		MessageID: messageID,
		Marker:    marker,
		Flow:      flow,
		Method:    MethodNone,
		Timestamp: at,
	}, limit)
}

// FindDecision returns the decision recorded for messageID, if it is still in the history window.
func (c *ConversationContext) FindDecision(messageID string) *FlowLockDecision {
	if messageID == "" {
		return nil
	}
	for i := len(c.IntentHistory) - 1; i >= 0; i-- {
		e := c.IntentHistory[i]
		if e.MessageID == messageID && e.Decision != nil {
			return e.Decision
		}
	}
	return nil
}

// EndLock clears the active lock and records its outcome.
func (c *ConversationContext) EndLock(outcome FlowOutcome, reason string, now time.Time, limit int) *FlowLock {
	lock := c.FlowLock
	if lock == nil {
		return nil
	}
	c.FlowLock = nil
	entry := FlowLockHistoryEntry{
		Flow:       lock.ActiveFlow,
		Step:       lock.Step,
		StartedAt:  lock.CreatedAt,
		EndedAt:    now,
		Outcome:    outcome,
		Reason:     reason,
		DurationMS: now.Sub(lock.CreatedAt).Milliseconds(),
	}
	c.FlowLockHistory = append(c.FlowLockHistory, entry)
	if limit > 0 && len(c.FlowLockHistory) > limit {
		c.FlowLockHistory = append([]FlowLockHistoryEntry(nil), c.FlowLockHistory[len(c.FlowLockHistory)-limit:]...)
	}
	switch outcome {
	case OutcomeCompleted:
		c.Metrics.FlowsCompleted++
	case OutcomeAbandoned:
		c.Metrics.FlowsAbandoned++
	case OutcomeTimeout:
		c.Metrics.FlowsTimedOut++
	case OutcomeInterrupted:
		c.Metrics.FlowsInterrupted++
	}
	return lock
}

// IsKnown reports whether the field has already been collected.
func (d *DataCollection) IsKnown(field DataField) bool {
	for _, f := range d.KnownFields {
		if f == field {
			return true
		}
	}
	return false
}

// MarkKnown records a collected field once.
func (d *DataCollection) MarkKnown(field DataField) {
	if !d.IsKnown(field) {
		d.KnownFields = append(d.KnownFields, field)
	}
}

// Validate checks the context invariants.
func (c *ConversationContext) Validate() error {
	if c.TenantID == "" || c.Phone == "" {
		return fmt.Errorf("%w: tenant and phone are required", ErrInvalidContext)
	}
	if c.MessageCount < 0 {
		return fmt.Errorf("%w: negative message count %d", ErrInvalidContext, c.MessageCount)
	}
	if c.LastMessageAt.Before(c.SessionStartedAt) {
		return fmt.Errorf("%w: last_message_at %s before session_started_at %s",
			ErrInvalidContext, c.LastMessageAt.Format(time.RFC3339), c.SessionStartedAt.Format(time.RFC3339))
	}
	if c.FlowLock != nil {
		if err := c.FlowLock.Validate(); err != nil {
			return err
		}
	}
	if c.SuspendedLock != nil {
		if err := c.SuspendedLock.Validate(); err != nil {
			return fmt.Errorf("suspended lock: %w", err)
		}
	}
	if c.DataCollection.Retries < 0 {
		return fmt.Errorf("%w: negative retry counter", ErrInvalidContext)
	}
	return nil
}
