package models

import "time"

// IntentDetectionResult is produced once per message by the classification pipeline.
type IntentDetectionResult struct {
	Intent            BusinessIntent    `json:"intent,omitempty"`
	Confidence        float64           `json:"confidence"`
	Method            DecisionMethod    `json:"decision_method"`
	AllowedByFlowLock bool              `json:"allowed_by_flow_lock"`
	ActiveFlow        FlowType          `json:"active_flow,omitempty"`
	Metadata          DetectionMetadata `json:"metadata"`
}

// DetectionMetadata carries classification telemetry.
type DetectionMetadata struct {
	RawInput              string         `json:"raw_input"`
	NormalizedInput       string         `json:"normalized_input,omitempty"`
	ProcessingTime        time.Duration  `json:"processing_time_ns"`
	OverrideAttempted     bool           `json:"override_attempted"`
	MatchedLayer          DecisionMethod `json:"matched_layer,omitempty"`
	Pattern               string         `json:"pattern,omitempty"`
	ClassificationTimeout bool           `json:"classification_timeout,omitempty"`
}

// HasIntent reports whether classification produced an actionable intent.
func (r IntentDetectionResult) HasIntent() bool {
	return r.Intent != IntentNone
}

// CollectedProfile is emitted when the data-collection sub-flow finishes.
type CollectedProfile struct {
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Gender    string `json:"gender,omitempty"`
	BirthDate string `json:"birth_date,omitempty"`
	Address   string `json:"address,omitempty"`
	Declined  bool   `json:"optional_data_declined,omitempty"`
}

// FlowLockDecision is the engine's verdict for one turn.
type FlowLockDecision struct {
	MessageID       string                `json:"message_id,omitempty"`
	TenantID        string                `json:"tenant_id"`
	Phone           string                `json:"phone"`
	Intent          BusinessIntent        `json:"intent,omitempty"`
	Confidence      float64               `json:"confidence"`
	Method          DecisionMethod        `json:"decision_method"`
	AllowIntent     bool                  `json:"allow_intent"`
	ActiveFlow      FlowType              `json:"active_flow,omitempty"`
	Step            FlowStep              `json:"step,omitempty"`
	ResponseKey     string                `json:"response_key"`
	Action          Action                `json:"action"`
	ExpiresAt       *time.Time            `json:"expires_at,omitempty"`
	SystemState     SystemFlowState       `json:"system_state,omitempty"`
	NextFlowHint    FlowType              `json:"next_flow_hint,omitempty"`
	InterruptedFlow FlowType              `json:"interrupted_flow,omitempty"`
	Collected       *CollectedProfile     `json:"collected,omitempty"`
	Detection       IntentDetectionResult `json:"detection"`
	DecidedAt       time.Time             `json:"decided_at"`
}

// ApplyLock copies the lock's flow, step and expiry into the decision. A nil lock clears the expiry.
func (d *FlowLockDecision) ApplyLock(lock *FlowLock) {
	if lock == nil {
		d.ExpiresAt = nil
		return
	}
	d.ActiveFlow = lock.ActiveFlow
	d.Step = lock.Step
	exp := lock.ExpiresAt
	d.ExpiresAt = &exp
}
