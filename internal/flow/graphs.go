// Package flow implements the flow-lock manager, the per-flow step graphs and the progressive
// data-collection sub-flow.
package flow

import "github.com/BTreeMap/BookingPipe/internal/models"

// StepDef describes the transitions leaving one step.
type StepDef struct {
	// On maps an accepted intent to the next step.
	On map[models.BusinessIntent]models.FlowStep
	// Any is taken by any non-null intent not listed in On.
	Any models.FlowStep
	// FreeText is taken when classification found no intent but the message carried text.
	FreeText models.FlowStep
	// Collect hands the turn to the data-collection sub-flow.
	Collect bool
	// Enter is recorded as the turn's system state when the step is entered.
	Enter models.SystemFlowState
	// Markers are recorded when the keyed intent leaves this step.
	Markers map[models.BusinessIntent]models.SystemFlowState
	// Chain starts another flow when the keyed intent completes this one.
	Chain map[models.BusinessIntent]models.FlowType
}

// Graph is the step graph of one flow type.
type Graph struct {
	Flow     models.FlowType
	Priority models.Priority
	// Hint is suggested to the caller as the next flow once this one completes.
	Hint models.FlowType
	// Entry is the step a chained start lands on.
	Entry models.FlowStep
	// KeyByIntent appends the triggering intent to response keys of single-turn completions.
	KeyByIntent bool
	Steps       map[models.FlowStep]StepDef
}

// Expects returns the step an intent leads to from step, if the graph declares one.
func (g *Graph) Expects(step models.FlowStep, intent models.BusinessIntent) (models.FlowStep, bool) {
	if intent == models.IntentNone {
		return "", false
	}
	def, ok := g.Steps[step]
	if !ok {
		return "", false
	}
	if next, ok := def.On[intent]; ok {
		return next, true
	}
	if def.Any != "" {
		return def.Any, true
	}
	return "", false
}

// Def returns the definition of step.
func (g *Graph) Def(step models.FlowStep) StepDef {
	return g.Steps[step]
}

type on = map[models.BusinessIntent]models.FlowStep

// DefaultGraphs returns the step graphs of every flow type.
func DefaultGraphs() []*Graph {
	return []*Graph{
		{
			Flow:     models.FlowBooking,
			Priority: models.PriorityHigh,
			Entry:    models.StepCollectService,
			Steps: map[models.FlowStep]StepDef{
				models.StepStart: {On: on{
					models.IntentBooking:       models.StepCollectService,
					models.IntentAvailability:  models.StepCollectService,
					models.IntentSlotSelection: models.StepCollectService,
				}},
				models.StepCollectService: {
					On: on{
						models.IntentServices: models.StepCollectDatetime,
						models.IntentPricing:  models.StepCollectService,
					},
					FreeText: models.StepCollectDatetime,
				},
				models.StepCollectDatetime: {On: on{
					models.IntentSlotSelection: models.StepConfirm,
					models.IntentAvailability:  models.StepCollectDatetime,
				}},
				models.StepConfirm: {On: on{
					models.IntentConfirm:       models.StepComplete,
					models.IntentDeny:          models.StepCollectDatetime,
					models.IntentSlotSelection: models.StepConfirm,
				}},
			},
		},
		{
			Flow:     models.FlowReschedule,
			Priority: models.PriorityHigh,
			Entry:    models.StepSelectTimeSlot,
			Steps: map[models.FlowStep]StepDef{
				models.StepStart: {On: on{
					models.IntentReschedule:        models.StepSelectTimeSlot,
					models.IntentModifyAppointment: models.StepSelectTimeSlot,
					models.IntentNoShowFollowup:    models.StepSelectTimeSlot,
				}},
				models.StepSelectTimeSlot: {On: on{
					models.IntentSlotSelection: models.StepSelectTimeSlot,
					models.IntentAvailability:  models.StepSelectTimeSlot,
					models.IntentConfirm:       models.StepConfirm,
				}},
				models.StepConfirm: {On: on{
					models.IntentConfirm: models.StepComplete,
					models.IntentDeny:    models.StepSelectTimeSlot,
				}},
			},
		},
		{
			Flow:     models.FlowCancel,
			Priority: models.PriorityHigh,
			Steps: map[models.FlowStep]StepDef{
				models.StepStart: {Any: models.StepComplete},
			},
		},
		{
			Flow:     models.FlowPricing,
			Priority: models.PriorityMedium,
			Hint:     models.FlowBooking,
			Entry:    models.StepShowPrices,
			Steps: map[models.FlowStep]StepDef{
				models.StepStart: {On: on{
					models.IntentPricing:  models.StepShowPrices,
					models.IntentServices: models.StepShowPrices,
				}},
				models.StepShowPrices: {
					On: on{
						models.IntentPricing:  models.StepShowPrices,
						models.IntentServices: models.StepShowPrices,
						models.IntentConfirm:  models.StepComplete,
						models.IntentBooking:  models.StepComplete,
						models.IntentDeny:     models.StepComplete,
					},
					Chain: map[models.BusinessIntent]models.FlowType{
						models.IntentConfirm: models.FlowBooking,
						models.IntentBooking: models.FlowBooking,
					},
				},
			},
		},
		{
			Flow:     models.FlowOnboarding,
			Priority: models.PriorityMedium,
			Entry:    models.StepCollectData,
			Steps: map[models.FlowStep]StepDef{
				models.StepStart:       {Any: models.StepCollectData},
				models.StepCollectData: {Collect: true, Enter: models.SystemOnboardingCollecting},
				models.StepClarification: {On: on{
					models.IntentConfirm: models.StepCollectData,
					models.IntentDeny:    models.StepAbandoned,
				}},
			},
		},
		{
			Flow:     models.FlowReturningUser,
			Priority: models.PriorityMedium,
			Entry:    models.StepConsent,
			Steps: map[models.FlowStep]StepDef{
				models.StepStart: {Any: models.StepConsent},
				models.StepConsent: {
					On: on{
						models.IntentConfirm: models.StepCollectData,
						models.IntentDeny:    models.StepComplete,
					},
					Enter: models.SystemReturningUserConsentPending,
					Markers: map[models.BusinessIntent]models.SystemFlowState{
						models.IntentDeny: models.SystemReturningUserConsentDeclined,
					},
				},
				models.StepCollectData: {Collect: true, Enter: models.SystemOnboardingCollecting},
				models.StepClarification: {On: on{
					models.IntentConfirm: models.StepCollectData,
					models.IntentDeny:    models.StepAbandoned,
				}},
			},
		},
		singleTurn(models.FlowInstitutional, models.PriorityLow, true),
		singleTurn(models.FlowGreeting, models.PriorityLow, false),
		singleTurn(models.FlowHandoff, models.PriorityMedium, false),
		singleTurn(models.FlowGeneral, models.PriorityLow, true),
	}
}

func singleTurn(flow models.FlowType, priority models.Priority, keyByIntent bool) *Graph {
	return &Graph{
		Flow:        flow,
		Priority:    priority,
		KeyByIntent: keyByIntent,
		Steps: map[models.FlowStep]StepDef{
			models.StepStart: {Any: models.StepComplete},
		},
	}
}
