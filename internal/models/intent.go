package models

import (
	"fmt"
	"strings"
)

// BusinessIntent is something a user can express. It is produced only by classification.
type BusinessIntent string

// SystemFlowState is engine-owned bookkeeping. It is assigned by the state machine and never
// accepted from classification.
type SystemFlowState string

// BusinessIntent constants.
const (
	IntentNone              BusinessIntent = ""
	IntentGreeting          BusinessIntent = "greeting"
	IntentServices          BusinessIntent = "services"
	IntentPricing           BusinessIntent = "pricing"
	IntentAvailability      BusinessIntent = "availability"
	IntentBooking           BusinessIntent = "booking"
	IntentSlotSelection     BusinessIntent = "slot_selection"
	IntentMyAppointments    BusinessIntent = "my_appointments"
	IntentCancel            BusinessIntent = "cancel"
	IntentReschedule        BusinessIntent = "reschedule"
	IntentModifyAppointment BusinessIntent = "modify_appointment"
	IntentConfirm           BusinessIntent = "confirm"
	IntentDeny              BusinessIntent = "deny"
	IntentAddress           BusinessIntent = "address"
	IntentPayments          BusinessIntent = "payments"
	IntentBusinessHours     BusinessIntent = "business_hours"
	IntentPolicies          BusinessIntent = "policies"
	IntentHandoff           BusinessIntent = "handoff"
	IntentWrongNumber       BusinessIntent = "wrong_number"
	IntentTestMessage       BusinessIntent = "test_message"
	IntentAbandonFlow       BusinessIntent = "abandon_flow"
	IntentNoShowFollowup    BusinessIntent = "noshow_followup"
	IntentGeneral           BusinessIntent = "general"
)

// SystemFlowState constants.
const (
	SystemNone                         SystemFlowState = ""
	SystemOnboardingCollecting         SystemFlowState = "ONBOARDING_COLLECTING"
	SystemReturningUserConsentPending  SystemFlowState = "RETURNING_USER_CONSENT_PENDING"
	SystemReturningUserConsentDeclined SystemFlowState = "RETURNING_USER_CONSENT_DECLINED"
	SystemTimeoutWarning               SystemFlowState = "TIMEOUT_WARNING"
	SystemTimeoutChecking              SystemFlowState = "TIMEOUT_CHECKING"
	SystemTimeoutFinalizing            SystemFlowState = "TIMEOUT_FINALIZING"
	SystemDisambiguation               SystemFlowState = "SYSTEM_DISAMBIGUATION"
	SystemClarification                SystemFlowState = "SYSTEM_CLARIFICATION"
	SystemBookingAbandoned             SystemFlowState = "BOOKING_ABANDONED"
	SystemOptionalDataDeclined         SystemFlowState = "OPTIONAL_DATA_DECLINED"
)

var businessIntents = []BusinessIntent{
	IntentGreeting,
	IntentServices,
	IntentPricing,
	IntentAvailability,
	IntentBooking,
	IntentSlotSelection,
	IntentMyAppointments,
	IntentCancel,
	IntentReschedule,
	IntentModifyAppointment,
	IntentConfirm,
	IntentDeny,
	IntentAddress,
	IntentPayments,
	IntentBusinessHours,
	IntentPolicies,
	IntentHandoff,
	IntentWrongNumber,
	IntentTestMessage,
	IntentAbandonFlow,
	IntentNoShowFollowup,
	IntentGeneral,
}

var systemStates = map[SystemFlowState]bool{
	SystemOnboardingCollecting:         true,
	SystemReturningUserConsentPending:  true,
	SystemReturningUserConsentDeclined: true,
	SystemTimeoutWarning:               true,
	SystemTimeoutChecking:              true,
	SystemTimeoutFinalizing:            true,
	SystemDisambiguation:               true,
	SystemClarification:                true,
	SystemBookingAbandoned:             true,
	SystemOptionalDataDeclined:         true,
}

var businessIntentSet = func() map[BusinessIntent]bool {
	m := make(map[BusinessIntent]bool, len(businessIntents))
	for _, i := range businessIntents {
		m[i] = true
	}
	return m
}()

// BusinessIntents returns the closed set of user-expressible intents.
func BusinessIntents() []BusinessIntent {
	out := make([]BusinessIntent, len(businessIntents))
	copy(out, businessIntents)
	return out
}

// IsValid reports whether i belongs to the closed BusinessIntent set.
func (i BusinessIntent) IsValid() bool {
	return businessIntentSet[i]
}

// IsValid reports whether s is a known system state.
func (s SystemFlowState) IsValid() bool {
	return systemStates[s]
}

// ParseBusinessIntent is the classification boundary. Labels are trimmed and lowercased; anything
// outside the BusinessIntent set is rejected, and system state spellings return ErrSystemStateAsIntent.
func ParseBusinessIntent(label string) (BusinessIntent, error) {
	raw := strings.TrimSpace(label)
	if raw == "" {
		return IntentNone, fmt.Errorf("empty intent label")
	}
	if SystemFlowState(strings.ToUpper(raw)).IsValid() {
		return IntentNone, fmt.Errorf("%w: %q", ErrSystemStateAsIntent, raw)
	}
	intent := BusinessIntent(strings.ToLower(raw))
	if !intent.IsValid() {
		return IntentNone, fmt.Errorf("unknown intent %q", raw)
	}
	return intent, nil
}
