package flow

import (
	"testing"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/vocab"
)

var testNow = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func testVocab(t *testing.T) *vocab.Vocabulary {
	t.Helper()
	v := vocab.Default("salon")
	if err := v.Compile(); err != nil {
		t.Fatalf("Failed to compile default vocabulary: %v", err)
	}
	return v
}

// returningContext is a known customer with a complete profile, so greetings do not trigger
// data collection.
func returningContext() *models.ConversationContext {
	c := models.NewConversationContext("sess-1", "salon", "5511999990000", models.SourceWhatsApp, testNow)
	c.MessageCount = 5
	for _, f := range RequiredFields {
		c.DataCollection.MarkKnown(f)
	}
	return c
}

func turn(at time.Time, id, text string, intent models.BusinessIntent) Turn {
	method := models.MethodCommand
	confidence := 1.0
	if intent == models.IntentNone {
		method = models.MethodNone
		confidence = 0
	}
	return Turn{
		Now:       at,
		MessageID: id,
		Text:      text,
		Detection: models.IntentDetectionResult{Intent: intent, Confidence: confidence, Method: method},
	}
}

func assertLockValid(t *testing.T, c *models.ConversationContext) {
	t.Helper()
	if c.FlowLock == nil {
		return
	}
	if err := c.FlowLock.Validate(); err != nil {
		t.Errorf("Expected valid lock, got %v", err)
	}
	if !c.FlowLock.ExpiresAt.After(c.FlowLock.CreatedAt) {
		t.Errorf("Expected ExpiresAt after CreatedAt, got %v <= %v", c.FlowLock.ExpiresAt, c.FlowLock.CreatedAt)
	}
}

func hasMarker(c *models.ConversationContext, marker models.SystemFlowState) bool {
	for _, e := range c.IntentHistory {
		if e.Marker == marker {
			return true
		}
	}
	return false
}

func TestLockManager_NullIntentWithoutLock(t *testing.T) {
	m := NewLockManager()
	v := testVocab(t)
	c := returningContext()

	d := m.Check(turn(testNow, "m1", "asdf", models.IntentNone), c, v)
	if d.AllowIntent {
		t.Error("Expected null intent not to be allowed")
	}
	if d.ResponseKey != "fallback.clarify" {
		t.Errorf("Expected fallback.clarify, got %q", d.ResponseKey)
	}
	if d.SystemState != models.SystemClarification {
		t.Errorf("Expected SYSTEM_CLARIFICATION, got %q", d.SystemState)
	}
	if c.FlowLock != nil {
		t.Error("Expected no lock to be created")
	}
}

func TestLockManager_BookingBlocksPricing(t *testing.T) {
	m := NewLockManager()
	v := testVocab(t)
	c := returningContext()

	d := m.Check(turn(testNow, "m1", "quero agendar", models.IntentBooking), c, v)
	if !d.AllowIntent || d.ActiveFlow != models.FlowBooking || d.Step != models.StepCollectService {
		t.Fatalf("Expected booking at collect_service, got allow=%v %s/%s", d.AllowIntent, d.ActiveFlow, d.Step)
	}
	if d.ResponseKey != "booking.collect_service" {
		t.Errorf("Expected booking.collect_service, got %q", d.ResponseKey)
	}
	if d.ExpiresAt == nil || !d.ExpiresAt.Equal(testNow.Add(30*time.Minute)) {
		t.Errorf("Expected high-priority lease, got %v", d.ExpiresAt)
	}
	if c.Metrics.FlowsStarted != 1 {
		t.Errorf("Expected 1 flow started, got %d", c.Metrics.FlowsStarted)
	}

	d = m.Check(turn(testNow.Add(time.Minute), "m2", "corte", models.IntentServices), c, v)
	if d.Step != models.StepCollectDatetime {
		t.Fatalf("Expected collect_datetime, got %s", d.Step)
	}
	if got := c.FlowLock.Booking().Service; got != "corte" {
		t.Errorf("Expected service to be recorded, got %q", got)
	}

	d = m.Check(turn(testNow.Add(2*time.Minute), "m3", "quanto custa?", models.IntentPricing), c, v)
	if d.AllowIntent {
		t.Error("Expected pricing to be blocked by the booking lock")
	}
	if d.ResponseKey != "disambiguation.booking" {
		t.Errorf("Expected disambiguation.booking, got %q", d.ResponseKey)
	}
	if d.SystemState != models.SystemDisambiguation {
		t.Errorf("Expected SYSTEM_DISAMBIGUATION, got %q", d.SystemState)
	}
	if !d.Detection.Metadata.OverrideAttempted {
		t.Error("Expected override attempt to be recorded")
	}
	if d.Detection.AllowedByFlowLock {
		t.Error("Expected detection to be marked as not allowed")
	}
	if d.Detection.ActiveFlow != models.FlowBooking {
		t.Errorf("Expected detection active flow booking, got %q", d.Detection.ActiveFlow)
	}
	if c.FlowLock == nil || c.FlowLock.ActiveFlow != models.FlowBooking || c.FlowLock.Step != models.StepCollectDatetime {
		t.Errorf("Expected booking lock unchanged, got %+v", c.FlowLock)
	}
	if !hasMarker(c, models.SystemDisambiguation) {
		t.Error("Expected disambiguation marker in history")
	}
	assertLockValid(t, c)
}

func TestLockManager_CancelInterruptAbortsLock(t *testing.T) {
	m := NewLockManager()
	v := testVocab(t)
	c := returningContext()

	m.Check(turn(testNow, "m1", "quero agendar", models.IntentBooking), c, v)
	m.Check(turn(testNow.Add(time.Minute), "m2", "corte", models.IntentServices), c, v)

	d := m.Check(turn(testNow.Add(2*time.Minute), "m3", "cancelar", models.IntentCancel), c, v)
	if !d.AllowIntent {
		t.Error("Expected cancel to break through the lock")
	}
	if d.Action != models.ActionAbort {
		t.Errorf("Expected abort, got %q", d.Action)
	}
	if d.ResponseKey != "interrupt.cancel" {
		t.Errorf("Expected interrupt.cancel, got %q", d.ResponseKey)
	}
	if d.InterruptedFlow != models.FlowBooking || d.NextFlowHint != models.FlowBooking {
		t.Errorf("Expected booking as interrupted flow and hint, got %q / %q", d.InterruptedFlow, d.NextFlowHint)
	}
	if d.Step != models.StepAbandoned {
		t.Errorf("Expected abandoned step, got %q", d.Step)
	}
	if d.ExpiresAt != nil {
		t.Errorf("Expected no expiry once the lock is gone, got %v", d.ExpiresAt)
	}
	if c.FlowLock != nil {
		t.Error("Expected lock to be cleared")
	}
	if c.Metrics.FlowsAbandoned != 1 {
		t.Errorf("Expected 1 abandoned flow, got %d", c.Metrics.FlowsAbandoned)
	}
	last := c.FlowLockHistory[len(c.FlowLockHistory)-1]
	if last.Outcome != models.OutcomeAbandoned || last.Flow != models.FlowBooking {
		t.Errorf("Expected abandoned booking in history, got %+v", last)
	}
	if !hasMarker(c, models.SystemBookingAbandoned) {
		t.Error("Expected BOOKING_ABANDONED marker")
	}
}

func TestLockManager_CancelWithoutLock(t *testing.T) {
	m := NewLockManager()
	v := testVocab(t)
	c := returningContext()

	d := m.Check(turn(testNow, "m1", "cancelar", models.IntentCancel), c, v)
	if d.ResponseKey != "cancel.complete" {
		t.Errorf("Expected cancel.complete, got %q", d.ResponseKey)
	}
	if d.Action != models.ActionComplete {
		t.Errorf("Expected complete, got %q", d.Action)
	}
	if c.FlowLock != nil {
		t.Error("Expected single-turn flow to leave no lock")
	}
	if c.Metrics.FlowsStarted != 1 || c.Metrics.FlowsCompleted != 1 {
		t.Errorf("Expected 1 started and 1 completed, got %+v", c.Metrics)
	}
}

func TestLockManager_RescheduleConfirm(t *testing.T) {
	m := NewLockManager()
	v := testVocab(t)
	c := returningContext()

	steps := []struct {
		intent models.BusinessIntent
		text   string
		key    string
		step   models.FlowStep
	}{
		{models.IntentReschedule, "quero remarcar", "reschedule.select_time_slot", models.StepSelectTimeSlot},
		{models.IntentSlotSelection, "amanhã às 15h", "reschedule.select_time_slot.slot_selection", models.StepSelectTimeSlot},
		{models.IntentConfirm, "sim", "reschedule.confirm", models.StepConfirm},
		{models.IntentConfirm, "sim", "reschedule.complete", models.StepComplete},
	}
	for i, s := range steps {
		d := m.Check(turn(testNow.Add(time.Duration(i)*time.Minute), "m"+string(rune('1'+i)), s.text, s.intent), c, v)
		if !d.AllowIntent {
			t.Errorf("turn %d: Expected %s to be allowed", i, s.intent)
		}
		if d.ResponseKey != s.key {
			t.Errorf("turn %d: Expected %q, got %q", i, s.key, d.ResponseKey)
		}
		if d.Step != s.step {
			t.Errorf("turn %d: Expected step %s, got %s", i, s.step, d.Step)
		}
		if i == 1 && c.FlowLock.Reschedule().Slot != "amanhã às 15h" {
			t.Errorf("Expected slot to be recorded, got %q", c.FlowLock.Reschedule().Slot)
		}
		assertLockValid(t, c)
	}
	if c.FlowLock != nil {
		t.Error("Expected lock to be cleared on completion")
	}
	if c.Metrics.FlowsCompleted != 1 {
		t.Errorf("Expected 1 completed flow, got %d", c.Metrics.FlowsCompleted)
	}
}

func TestLockManager_FreeTextAndClarify(t *testing.T) {
	m := NewLockManager()
	v := testVocab(t)
	c := returningContext()

	m.Check(turn(testNow, "m1", "quero agendar", models.IntentBooking), c, v)
	d := m.Check(turn(testNow.Add(time.Minute), "m2", "escova progressiva", models.IntentNone), c, v)
	if !d.AllowIntent || d.Step != models.StepCollectDatetime {
		t.Fatalf("Expected free text to answer collect_service, got allow=%v step=%s", d.AllowIntent, d.Step)
	}
	expiresBefore := c.FlowLock.ExpiresAt

	d = m.Check(turn(testNow.Add(2*time.Minute), "m3", "hmm", models.IntentNone), c, v)
	if d.AllowIntent {
		t.Error("Expected unrecognized text at collect_datetime not to be allowed")
	}
	if d.ResponseKey != "booking.collect_datetime.clarify" {
		t.Errorf("Expected booking.collect_datetime.clarify, got %q", d.ResponseKey)
	}
	if !c.FlowLock.ExpiresAt.Equal(expiresBefore) {
		t.Error("Expected clarification not to renew the lease")
	}
}

func TestLockManager_RestatingActiveFlowRenews(t *testing.T) {
	m := NewLockManager()
	v := testVocab(t)
	c := returningContext()

	m.Check(turn(testNow, "m1", "quero agendar", models.IntentBooking), c, v)
	m.Check(turn(testNow.Add(time.Minute), "m2", "corte", models.IntentServices), c, v)
	later := testNow.Add(5 * time.Minute)
	d := m.Check(turn(later, "m3", "quero agendar", models.IntentBooking), c, v)
	if !d.AllowIntent {
		t.Error("Expected restated booking intent to be allowed")
	}
	if d.ResponseKey != "booking.collect_datetime" {
		t.Errorf("Expected re-prompt of booking.collect_datetime, got %q", d.ResponseKey)
	}
	if !c.FlowLock.ExpiresAt.Equal(later.Add(30 * time.Minute)) {
		t.Errorf("Expected lease renewed from %v, got %v", later, c.FlowLock.ExpiresAt)
	}
}

func TestLockManager_RestatingActiveFlowAtFreeTextStep(t *testing.T) {
	m := NewLockManager()
	v := testVocab(t)
	c := returningContext()

	m.Check(turn(testNow, "m1", "quero agendar", models.IntentBooking), c, v)
	later := testNow.Add(2 * time.Minute)
	d := m.Check(turn(later, "m2", "quero agendar", models.IntentBooking), c, v)
	if !d.AllowIntent {
		t.Error("Expected restated booking intent to be allowed")
	}
	if d.ResponseKey != "booking.collect_service" {
		t.Errorf("Expected re-prompt of booking.collect_service, got %q", d.ResponseKey)
	}
	if c.FlowLock == nil || c.FlowLock.Step != models.StepCollectService {
		t.Fatalf("Expected lock to stay at collect_service, got %+v", c.FlowLock)
	}
	if got := c.FlowLock.Booking().Service; got != "" {
		t.Errorf("Expected no service recorded, got %q", got)
	}
	if !c.FlowLock.ExpiresAt.Equal(later.Add(30 * time.Minute)) {
		t.Errorf("Expected lease renewed from %v, got %v", later, c.FlowLock.ExpiresAt)
	}

	d = m.Check(turn(later.Add(time.Minute), "m3", "escova", models.IntentNone), c, v)
	if d.Step != models.StepCollectDatetime || c.FlowLock.Booking().Service != "escova" {
		t.Errorf("Expected free text to still answer the step, got step=%s service=%q", d.Step, c.FlowLock.Booking().Service)
	}
}

func TestLockManager_HandoffSuspendsAndResumes(t *testing.T) {
	m := NewLockManager()
	v := testVocab(t)
	c := returningContext()

	m.Check(turn(testNow, "m1", "quero agendar", models.IntentBooking), c, v)
	m.Check(turn(testNow.Add(time.Minute), "m2", "corte", models.IntentServices), c, v)

	d := m.Check(turn(testNow.Add(2*time.Minute), "m3", "falar com atendente", models.IntentHandoff), c, v)
	if !d.AllowIntent {
		t.Error("Expected handoff to break through the lock")
	}
	if d.ResponseKey != "handoff.complete" {
		t.Errorf("Expected handoff.complete, got %q", d.ResponseKey)
	}
	if d.InterruptedFlow != models.FlowBooking || d.NextFlowHint != models.FlowBooking {
		t.Errorf("Expected booking as interrupted flow and hint, got %q / %q", d.InterruptedFlow, d.NextFlowHint)
	}
	if c.FlowLock == nil || c.FlowLock.ActiveFlow != models.FlowBooking || c.FlowLock.Step != models.StepCollectDatetime {
		t.Fatalf("Expected booking lock to resume at collect_datetime, got %+v", c.FlowLock)
	}
	if c.SuspendedLock != nil {
		t.Error("Expected suspended slot to be empty after resuming")
	}
	if got := c.FlowLock.Booking().Service; got != "corte" {
		t.Errorf("Expected booking data to survive the suspension, got %q", got)
	}
	assertLockValid(t, c)
}

func TestLockManager_PricingChainsIntoBooking(t *testing.T) {
	m := NewLockManager()
	v := testVocab(t)
	c := returningContext()

	d := m.Check(turn(testNow, "m1", "precos", models.IntentPricing), c, v)
	if d.ResponseKey != "pricing.show_prices" {
		t.Fatalf("Expected pricing.show_prices, got %q", d.ResponseKey)
	}

	d = m.Check(turn(testNow.Add(time.Minute), "m2", "sim", models.IntentConfirm), c, v)
	if d.ResponseKey != "booking.collect_service" {
		t.Errorf("Expected chained booking.collect_service, got %q", d.ResponseKey)
	}
	if d.ActiveFlow != models.FlowBooking || d.Action != models.ActionContinue {
		t.Errorf("Expected booking to continue, got %s %s", d.ActiveFlow, d.Action)
	}
	if d.NextFlowHint != models.FlowBooking {
		t.Errorf("Expected booking hint, got %q", d.NextFlowHint)
	}
	if c.Metrics.FlowsStarted != 2 || c.Metrics.FlowsCompleted != 1 {
		t.Errorf("Expected 2 started and 1 completed, got %+v", c.Metrics)
	}
	assertLockValid(t, c)
}

func TestLockManager_ExpiryWarningThenFinalize(t *testing.T) {
	m := NewLockManager()
	v := testVocab(t)
	c := returningContext()
	m.Check(turn(testNow, "m1", "quero agendar", models.IntentBooking), c, v)

	if res := m.CheckExpiry(testNow.Add(10*time.Minute), "m2", c, v); res.Outcome != ExpiryNone {
		t.Fatalf("Expected live lock, got %v", res.Outcome)
	}

	warnAt := testNow.Add(31 * time.Minute)
	res := m.CheckExpiry(warnAt, "m3", c, v)
	if res.Outcome != ExpiryWarned {
		t.Fatalf("Expected warning, got %v", res.Outcome)
	}
	if res.Decision.ResponseKey != "timeout.warning" || res.Decision.Action != models.ActionTimeout {
		t.Errorf("Expected timeout.warning decision, got %q %q", res.Decision.ResponseKey, res.Decision.Action)
	}
	if c.FlowLock.TimeoutStage != models.SystemTimeoutWarning {
		t.Errorf("Expected TIMEOUT_WARNING stage, got %q", c.FlowLock.TimeoutStage)
	}
	if !c.FlowLock.ExpiresAt.Equal(warnAt.Add(v.Policy.GraceWindow)) {
		t.Errorf("Expected grace window lease, got %v", c.FlowLock.ExpiresAt)
	}

	res = m.CheckExpiry(warnAt.Add(v.Policy.GraceWindow+time.Minute), "m4", c, v)
	if res.Outcome != ExpiryFinalized || res.Flow != models.FlowBooking {
		t.Fatalf("Expected booking to be finalized, got %v %s", res.Outcome, res.Flow)
	}
	if res.Decision.ResponseKey != "timeout.abandoned" {
		t.Errorf("Expected timeout.abandoned, got %q", res.Decision.ResponseKey)
	}
	if c.FlowLock != nil {
		t.Error("Expected lock to be cleared")
	}
	if c.Metrics.FlowsTimedOut != 1 {
		t.Errorf("Expected 1 timed out flow, got %d", c.Metrics.FlowsTimedOut)
	}
	for _, marker := range []models.SystemFlowState{models.SystemTimeoutWarning, models.SystemTimeoutFinalizing, models.SystemBookingAbandoned} {
		if !hasMarker(c, marker) {
			t.Errorf("Expected %s marker", marker)
		}
	}

	d := m.Check(Turn{
		Now:       warnAt.Add(v.Policy.GraceWindow + time.Minute),
		MessageID: "m4",
		Text:      "oi?",
		Detection: models.IntentDetectionResult{Method: models.MethodNone},
		Expired:   res.Flow,
	}, c, v)
	if d.Action != models.ActionTimeout || d.InterruptedFlow != models.FlowBooking {
		t.Errorf("Expected timeout action for booking, got %q %q", d.Action, d.InterruptedFlow)
	}
	if d.ResponseKey != "timeout.abandoned" {
		t.Errorf("Expected timeout.abandoned, got %q", d.ResponseKey)
	}
}

func TestLockManager_ExpiryCheckingResumes(t *testing.T) {
	m := NewLockManager()
	v := testVocab(t)
	c := returningContext()
	m.Check(turn(testNow, "m1", "quero agendar", models.IntentBooking), c, v)

	warnAt := testNow.Add(31 * time.Minute)
	m.CheckExpiry(warnAt, "m2", c, v)
	answerAt := warnAt.Add(2 * time.Minute)
	res := m.CheckExpiry(answerAt, "m3", c, v)
	if res.Outcome != ExpiryChecking {
		t.Fatalf("Expected checking, got %v", res.Outcome)
	}

	d := m.Check(turn(answerAt, "m3", "sim", models.IntentConfirm), c, v)
	if d.ResponseKey != "timeout.resumed" || !d.AllowIntent {
		t.Errorf("Expected timeout.resumed, got %q allow=%v", d.ResponseKey, d.AllowIntent)
	}
	if c.FlowLock == nil || c.FlowLock.TimeoutStage != "" {
		t.Fatalf("Expected lock with cleared timeout stage, got %+v", c.FlowLock)
	}
	if !c.FlowLock.ExpiresAt.Equal(answerAt.Add(30 * time.Minute)) {
		t.Errorf("Expected full lease renewal, got %v", c.FlowLock.ExpiresAt)
	}
	assertLockValid(t, c)
}

func TestLockManager_ExpiryCheckingDeclined(t *testing.T) {
	m := NewLockManager()
	v := testVocab(t)
	c := returningContext()
	m.Check(turn(testNow, "m1", "quero agendar", models.IntentBooking), c, v)

	warnAt := testNow.Add(31 * time.Minute)
	m.CheckExpiry(warnAt, "m2", c, v)
	answerAt := warnAt.Add(time.Minute)
	m.CheckExpiry(answerAt, "m3", c, v)

	d := m.Check(turn(answerAt, "m3", "não", models.IntentDeny), c, v)
	if d.Action != models.ActionTimeout || d.ResponseKey != "timeout.abandoned" {
		t.Errorf("Expected timeout.abandoned, got %q %q", d.Action, d.ResponseKey)
	}
	if c.FlowLock != nil {
		t.Error("Expected lock to be cleared")
	}
	if c.Metrics.FlowsTimedOut != 1 {
		t.Errorf("Expected 1 timed out flow, got %d", c.Metrics.FlowsTimedOut)
	}
}

func TestLockManager_OnboardingFirstContact(t *testing.T) {
	m := NewLockManager(WithCollector(NewCollector(func() time.Time { return testNow })))
	v := testVocab(t)
	c := models.NewConversationContext("sess-1", "salon", "5511999990000", models.SourceWhatsApp, testNow)
	c.Touch(testNow)

	d := m.Check(turn(testNow, "m1", "oi", models.IntentGreeting), c, v)
	if d.ActiveFlow != models.FlowOnboarding || d.ResponseKey != "collection.need_name" {
		t.Fatalf("Expected onboarding asking for name, got %s %q", d.ActiveFlow, d.ResponseKey)
	}
	if !c.DataCollection.AwaitingInput {
		t.Error("Expected awaiting input during collection")
	}
	if !hasMarker(c, models.SystemOnboardingCollecting) {
		t.Error("Expected ONBOARDING_COLLECTING marker")
	}

	answers := []struct {
		text   string
		intent models.BusinessIntent
		key    string
	}{
		{"Maria Silva", models.IntentNone, "collection.need_email"},
		{"maria@example.com", models.IntentNone, "collection.need_gender_confirmation"},
		{"sim", models.IntentConfirm, "collection.ask_optional_data_consent"},
		{"não", models.IntentDeny, "onboarding.complete"},
	}
	for i, a := range answers {
		c.Touch(testNow.Add(time.Duration(i+1) * time.Minute))
		d = m.Check(turn(testNow.Add(time.Duration(i+1)*time.Minute), "m", a.text, a.intent), c, v)
		if d.ResponseKey != a.key {
			t.Errorf("answer %q: Expected %q, got %q", a.text, a.key, d.ResponseKey)
		}
	}
	if d.Collected == nil {
		t.Fatal("Expected collected profile on completion")
	}
	if d.Collected.Name != "Maria Silva" || d.Collected.Email != "maria@example.com" || d.Collected.Gender != "feminino" {
		t.Errorf("Unexpected profile: %+v", d.Collected)
	}
	if !d.Collected.Declined {
		t.Error("Expected optional data to be marked declined")
	}
	if c.FlowLock != nil || c.DataCollection.AwaitingInput {
		t.Error("Expected collection to end and release the lock")
	}
	if !hasMarker(c, models.SystemOptionalDataDeclined) {
		t.Error("Expected OPTIONAL_DATA_DECLINED marker")
	}
}

func TestLockManager_OnboardingDisabled(t *testing.T) {
	m := NewLockManager()
	v := vocab.Default("salon")
	off := false
	v.Policy.OnboardingEnabled = &off
	if err := v.Compile(); err != nil {
		t.Fatal(err)
	}
	c := models.NewConversationContext("sess-1", "salon", "5511999990000", models.SourceWhatsApp, testNow)
	c.Touch(testNow)

	d := m.Check(turn(testNow, "m1", "oi", models.IntentGreeting), c, v)
	if d.ResponseKey != "greeting.complete" {
		t.Errorf("Expected greeting.complete, got %q", d.ResponseKey)
	}
}

func TestLockManager_ReturningUserConsentCooldown(t *testing.T) {
	m := NewLockManager()
	v := testVocab(t)
	c := models.NewConversationContext("sess-1", "salon", "5511999990000", models.SourceWhatsApp, testNow)
	c.MessageCount = 4
	c.DataCollection.MarkKnown(models.FieldName)

	d := m.Check(turn(testNow, "m1", "bom dia", models.IntentGreeting), c, v)
	if d.ActiveFlow != models.FlowReturningUser || d.ResponseKey != "returning_user.consent" {
		t.Fatalf("Expected consent request, got %s %q", d.ActiveFlow, d.ResponseKey)
	}
	if d.SystemState != models.SystemReturningUserConsentPending {
		t.Errorf("Expected consent pending state, got %q", d.SystemState)
	}

	d = m.Check(turn(testNow.Add(time.Minute), "m2", "não", models.IntentDeny), c, v)
	if d.ResponseKey != "returning_user.complete" || d.SystemState != models.SystemReturningUserConsentDeclined {
		t.Errorf("Expected declined consent to complete, got %q %q", d.ResponseKey, d.SystemState)
	}
	if c.DataCollection.LastAttemptAt == nil {
		t.Fatal("Expected last attempt to be recorded")
	}

	d = m.Check(turn(testNow.Add(2*time.Minute), "m3", "oi", models.IntentGreeting), c, v)
	if d.ActiveFlow != models.FlowGreeting {
		t.Errorf("Expected plain greeting inside the cooldown, got %s", d.ActiveFlow)
	}

	d = m.Check(turn(testNow.Add(2*time.Minute+v.Policy.DataRequestCooldown), "m4", "oi", models.IntentGreeting), c, v)
	if d.ActiveFlow != models.FlowReturningUser {
		t.Errorf("Expected consent request after the cooldown, got %s", d.ActiveFlow)
	}
}

func TestLockManager_CollectionRetriesEscalate(t *testing.T) {
	m := NewLockManager()
	v := testVocab(t)
	c := models.NewConversationContext("sess-1", "salon", "5511999990000", models.SourceWhatsApp, testNow)
	c.Touch(testNow)

	m.Check(turn(testNow, "m1", "oi", models.IntentGreeting), c, v)
	m.Check(turn(testNow.Add(time.Minute), "m2", "Joana", models.IntentNone), c, v)

	var d models.FlowLockDecision
	for i := 0; i < v.Policy.MaxFieldRetries; i++ {
		d = m.Check(turn(testNow.Add(time.Duration(i+2)*time.Minute), "m", "não sei", models.IntentNone), c, v)
		if d.ResponseKey != "collection.need_email.retry" {
			t.Errorf("retry %d: Expected collection.need_email.retry, got %q", i, d.ResponseKey)
		}
	}
	d = m.Check(turn(testNow.Add(10*time.Minute), "m", "???", models.IntentNone), c, v)
	if d.ResponseKey != "onboarding.clarification" || d.SystemState != models.SystemClarification {
		t.Fatalf("Expected escalation to clarification, got %q %q", d.ResponseKey, d.SystemState)
	}
	if c.FlowLock.Step != models.StepClarification {
		t.Errorf("Expected clarification step, got %s", c.FlowLock.Step)
	}

	d = m.Check(turn(testNow.Add(11*time.Minute), "m", "sim", models.IntentConfirm), c, v)
	if d.ResponseKey != "collection.need_email" {
		t.Errorf("Expected collection to resume at email, got %q", d.ResponseKey)
	}
	if c.DataCollection.Retries != 0 {
		t.Errorf("Expected retries reset, got %d", c.DataCollection.Retries)
	}
}

func TestLockManager_SingleTurnKeyByIntent(t *testing.T) {
	m := NewLockManager()
	v := testVocab(t)
	c := returningContext()

	d := m.Check(turn(testNow, "m1", "qual o endereço", models.IntentAddress), c, v)
	if d.ResponseKey != "institutional.complete.address" {
		t.Errorf("Expected institutional.complete.address, got %q", d.ResponseKey)
	}
	if d.Action != models.ActionComplete || c.FlowLock != nil {
		t.Errorf("Expected completed single-turn flow, got %q lock=%v", d.Action, c.FlowLock)
	}
}
