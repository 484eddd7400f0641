// Package models defines flow, intent and system state vocabularies to avoid circular imports.
package models

// FlowType identifies a multi-turn conversation flow. The empty value means no flow.
type FlowType string

// FlowStep is a position inside a flow's step graph.
type FlowStep string

// Priority ranks a flow lock.
type Priority string

// Action tags the outcome of a turn for the egress layer.
type Action string

// DecisionMethod records which classification layer produced an intent.
type DecisionMethod string

// MessageSource identifies where an inbound message came from.
type MessageSource string

// Mode separates demo conversations from production ones.
type Mode string

// Flow type constants.
const (
	FlowNone          FlowType = ""
	FlowOnboarding    FlowType = "onboarding"
	FlowReturningUser FlowType = "returning_user"
	FlowBooking       FlowType = "booking"
	FlowReschedule    FlowType = "reschedule"
	FlowCancel        FlowType = "cancel"
	FlowPricing       FlowType = "pricing"
	FlowInstitutional FlowType = "institutional"
	FlowHandoff       FlowType = "handoff"
	FlowGreeting      FlowType = "greeting"
	FlowGeneral       FlowType = "general"
)

// Step constants shared by every flow graph.
const (
	StepStart     FlowStep = "start"
	StepComplete  FlowStep = "complete"
	StepAbandoned FlowStep = "abandoned"
)

// Flow-specific step constants.
const (
	StepCollectService  FlowStep = "collect_service"
	StepCollectDatetime FlowStep = "collect_datetime"
	StepConfirm         FlowStep = "confirm"
	StepSelectTimeSlot  FlowStep = "select_time_slot"
	StepShowPrices      FlowStep = "show_prices"
	StepConsent         FlowStep = "consent"
	StepCollectData     FlowStep = "collect_data"
	StepClarification   FlowStep = "clarification"
)

// Priority constants.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Action constants.
const (
	ActionContinue Action = "continue"
	ActionAbort    Action = "abort"
	ActionTimeout  Action = "timeout"
	ActionComplete Action = "complete"
)

// Decision method constants, in pipeline order.
const (
	MethodCommand    DecisionMethod = "command"
	MethodDictionary DecisionMethod = "dictionary"
	MethodRegex      DecisionMethod = "regex"
	MethodLLM        DecisionMethod = "llm"
	MethodNone       DecisionMethod = "none"
)

// Message source constants.
const (
	SourceWhatsApp MessageSource = "whatsapp"
	SourceDemo     MessageSource = "demo"
)

// Mode constants.
const (
	ModeDemo Mode = "demo"
	ModeProd Mode = "prod"
)

var validFlows = map[FlowType]bool{
	FlowOnboarding:    true,
	FlowReturningUser: true,
	FlowBooking:       true,
	FlowReschedule:    true,
	FlowCancel:        true,
	FlowPricing:       true,
	FlowInstitutional: true,
	FlowHandoff:       true,
	FlowGreeting:      true,
	FlowGeneral:       true,
}

// IsValid reports whether f names a known flow. FlowNone is not a valid flow.
func (f FlowType) IsValid() bool {
	return validFlows[f]
}

// IsTerminal reports whether the step ends its flow.
func (s FlowStep) IsTerminal() bool {
	return s == StepComplete || s == StepAbandoned
}

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// IsDeterministic reports whether the method is one of the rule-based layers.
func (m DecisionMethod) IsDeterministic() bool {
	switch m {
	case MethodCommand, MethodDictionary, MethodRegex:
		return true
	}
	return false
}
