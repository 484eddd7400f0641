package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func TestParseBusinessIntent(t *testing.T) {
	tests := []struct {
		label   string
		want    BusinessIntent
		wantErr bool
		sysErr  bool
	}{
		{"cancel", IntentCancel, false, false},
		{"  Confirm ", IntentConfirm, false, false},
		{"slot_selection", IntentSlotSelection, false, false},
		{"", IntentNone, true, false},
		{"book_a_table", IntentNone, true, false},
		{"TIMEOUT_WARNING", IntentNone, true, true},
		{"system_clarification", IntentNone, true, true},
		{"abandon_flow", IntentAbandonFlow, false, false},
		{"BOOKING_ABANDONED", IntentNone, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, err := ParseBusinessIntent(tt.label)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBusinessIntent(%q) error = %v, wantErr %v", tt.label, err, tt.wantErr)
			}
			if tt.sysErr && !errors.Is(err, ErrSystemStateAsIntent) {
				t.Errorf("Expected ErrSystemStateAsIntent, got %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseBusinessIntent(%q) = %q, want %q", tt.label, got, tt.want)
			}
		})
	}
}

func TestBusinessIntentsAreDisjointFromSystemStates(t *testing.T) {
	for _, intent := range BusinessIntents() {
		if SystemFlowState(strings.ToUpper(string(intent))).IsValid() {
			t.Errorf("intent %q collides with a system flow state", intent)
		}
	}
}

func TestNewFlowLockInvariants(t *testing.T) {
	if _, err := NewFlowLock(FlowNone, PriorityHigh, testNow, time.Minute); !errors.Is(err, ErrInvalidLock) {
		t.Errorf("Expected ErrInvalidLock for empty flow, got %v", err)
	}
	if _, err := NewFlowLock(FlowBooking, PriorityHigh, testNow, 0); !errors.Is(err, ErrInvalidLock) {
		t.Errorf("Expected ErrInvalidLock for zero ttl, got %v", err)
	}

	lock, err := NewFlowLock(FlowBooking, PriorityHigh, testNow, 10*time.Minute)
	if err != nil {
		t.Fatalf("NewFlowLock failed: %v", err)
	}
	if lock.Step != StepStart {
		t.Errorf("Expected step %q, got %q", StepStart, lock.Step)
	}
	if _, ok := lock.StepData.(*BookingData); !ok {
		t.Errorf("Expected booking payload, got %T", lock.StepData)
	}
	if err := lock.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestFlowLockRenewKeepsCreatedAt(t *testing.T) {
	lock, _ := NewFlowLock(FlowReschedule, PriorityHigh, testNow, 10*time.Minute)

	lock.Renew(testNow.Add(5*time.Minute), 10*time.Minute)
	if !lock.CreatedAt.Equal(testNow) {
		t.Errorf("Renew changed CreatedAt to %v", lock.CreatedAt)
	}
	if want := testNow.Add(15 * time.Minute); !lock.ExpiresAt.Equal(want) {
		t.Errorf("Expected expiry %v, got %v", want, lock.ExpiresAt)
	}

	// A clock that went backwards must not break expires_at > created_at.
	lock.Renew(testNow.Add(-time.Hour), 0)
	if !lock.ExpiresAt.After(lock.CreatedAt) {
		t.Errorf("Expected expiry after creation, got created=%v expires=%v", lock.CreatedAt, lock.ExpiresAt)
	}
}

func TestFlowLockJSONSelectsPayloadByFlow(t *testing.T) {
	lock, _ := NewFlowLock(FlowOnboarding, PriorityMedium, testNow, time.Hour)
	lock.Step = StepCollectData
	lock.Collection().Name = "Maria Souza"
	lock.Collection().InferredGender = "feminino"

	data, err := json.Marshal(lock)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded FlowLock
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	payload, ok := decoded.StepData.(*CollectionData)
	if !ok {
		t.Fatalf("Expected *CollectionData, got %T", decoded.StepData)
	}
	if payload.Name != "Maria Souza" || payload.InferredGender != "feminino" {
		t.Errorf("Unexpected payload %+v", payload)
	}
}

func TestFlowLockWithoutFlowIsNeverSerialized(t *testing.T) {
	if _, err := json.Marshal(FlowLock{Step: StepStart}); err == nil {
		t.Fatal("Expected marshal error for a lock without a flow")
	}

	c := NewConversationContext("s1", "t1", "+5511999990000", SourceWhatsApp, testNow)
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(data), "flow_lock") {
		t.Errorf("Expected no flow_lock field, got %s", data)
	}
}

func TestFlowLockValidateRejectsForeignPayload(t *testing.T) {
	lock, _ := NewFlowLock(FlowBooking, PriorityHigh, testNow, time.Minute)
	lock.StepData = &RescheduleData{Slot: "amanha 10h"}
	if err := lock.Validate(); !errors.Is(err, ErrInvalidLock) {
		t.Errorf("Expected ErrInvalidLock, got %v", err)
	}
}

func TestConversationContextTouchIsMonotonic(t *testing.T) {
	c := NewConversationContext("s1", "t1", "+5511999990000", SourceDemo, testNow)
	if c.Mode != ModeDemo {
		t.Errorf("Expected demo mode, got %q", c.Mode)
	}
	c.Touch(testNow.Add(time.Minute))
	c.Touch(testNow.Add(-time.Minute))
	if c.MessageCount != 2 {
		t.Errorf("Expected message count 2, got %d", c.MessageCount)
	}
	if !c.LastMessageAt.Equal(testNow.Add(time.Minute)) {
		t.Errorf("LastMessageAt moved backwards: %v", c.LastMessageAt)
	}
	if c.SessionDuration() != time.Minute {
		t.Errorf("Expected session duration 1m, got %v", c.SessionDuration())
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestConversationContextValidate(t *testing.T) {
	c := NewConversationContext("s1", "t1", "+5511999990000", SourceWhatsApp, testNow)
	c.LastMessageAt = testNow.Add(-time.Second)
	if err := c.Validate(); !errors.Is(err, ErrInvalidContext) {
		t.Errorf("Expected ErrInvalidContext, got %v", err)
	}

	c.LastMessageAt = testNow
	c.FlowLock = &FlowLock{ActiveFlow: FlowBooking, Step: StepStart, CreatedAt: testNow, ExpiresAt: testNow, Priority: PriorityHigh}
	if err := c.Validate(); !errors.Is(err, ErrInvalidLock) {
		t.Errorf("Expected ErrInvalidLock, got %v", err)
	}
}

func TestAppendIntentEvictsOldestFirst(t *testing.T) {
	c := NewConversationContext("s1", "t1", "+5511999990000", SourceWhatsApp, testNow)
	for i, intent := range []BusinessIntent{IntentGreeting, IntentPricing, IntentBooking, IntentConfirm} {
		c.AppendIntent(IntentHistoryEntry{Intent: intent, Method: MethodRegex, Timestamp: testNow.Add(time.Duration(i) * time.Second)}, 3)
	}
	if len(c.IntentHistory) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(c.IntentHistory))
	}
	if c.IntentHistory[0].Intent != IntentPricing || c.IntentHistory[2].Intent != IntentConfirm {
		t.Errorf("Unexpected history order: %+v", c.IntentHistory)
	}
}

func TestEndLockRecordsHistoryAndMetrics(t *testing.T) {
	c := NewConversationContext("s1", "t1", "+5511999990000", SourceWhatsApp, testNow)
	c.FlowLock, _ = NewFlowLock(FlowBooking, PriorityHigh, testNow, time.Hour)
	c.FlowLock.Step = StepConfirm

	ended := c.EndLock(OutcomeAbandoned, "user_requested", testNow.Add(2*time.Second), 10)
	if ended == nil || c.FlowLock != nil {
		t.Fatal("Expected lock to be cleared and returned")
	}
	if c.Metrics.FlowsAbandoned != 1 {
		t.Errorf("Expected 1 abandoned flow, got %d", c.Metrics.FlowsAbandoned)
	}
	if len(c.FlowLockHistory) != 1 || c.FlowLockHistory[0].DurationMS != 2000 {
		t.Errorf("Unexpected lock history: %+v", c.FlowLockHistory)
	}
}

func TestInboundEventValidate(t *testing.T) {
	ok := InboundEvent{TenantID: "t1", Phone: "+5511", Text: "oi", Source: SourceWhatsApp}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
	bad := ok
	bad.TenantID = " "
	if err := bad.Validate(); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("Expected ErrInvalidEvent, got %v", err)
	}
	bad = ok
	bad.Source = "sms"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("Expected ErrInvalidEvent for source, got %v", err)
	}
	if ok.Key().String() != "t1|+5511" {
		t.Errorf("Unexpected key %q", ok.Key().String())
	}
}
