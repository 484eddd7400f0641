package flow

import (
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

func TestNewMachine_RejectsInvalidGraphs(t *testing.T) {
	tests := []struct {
		name  string
		graph *Graph
		want  string
	}{
		{
			name:  "unknown flow",
			graph: &Graph{Flow: "laundry", Priority: models.PriorityLow, Steps: map[models.FlowStep]StepDef{models.StepStart: {}}},
			want:  "unknown flow",
		},
		{
			name:  "bad priority",
			graph: &Graph{Flow: models.FlowGeneral, Priority: "urgent", Steps: map[models.FlowStep]StepDef{models.StepStart: {}}},
			want:  "invalid priority",
		},
		{
			name:  "missing start",
			graph: &Graph{Flow: models.FlowGeneral, Priority: models.PriorityLow, Steps: map[models.FlowStep]StepDef{}},
			want:  "missing start",
		},
		{
			name: "undefined target",
			graph: &Graph{Flow: models.FlowGeneral, Priority: models.PriorityLow, Steps: map[models.FlowStep]StepDef{
				models.StepStart: {Any: models.StepConfirm},
			}},
			want: "undefined step",
		},
		{
			name: "undefined entry",
			graph: &Graph{Flow: models.FlowGeneral, Priority: models.PriorityLow, Entry: models.StepConfirm, Steps: map[models.FlowStep]StepDef{
				models.StepStart: {Any: models.StepComplete},
			}},
			want: "undefined entry",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMachine(tt.graph)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDefaultGraphsAreValid(t *testing.T) {
	m, err := NewMachine(DefaultGraphs()...)
	if err != nil {
		t.Fatalf("Expected default graphs to be valid, got %v", err)
	}
	for _, flow := range []models.FlowType{
		models.FlowOnboarding, models.FlowReturningUser, models.FlowBooking, models.FlowReschedule,
		models.FlowCancel, models.FlowPricing, models.FlowInstitutional, models.FlowHandoff,
		models.FlowGreeting, models.FlowGeneral,
	} {
		if _, ok := m.Graph(flow); !ok {
			t.Errorf("Expected a graph for %s", flow)
		}
	}
}

func TestGraphExpects(t *testing.T) {
	m := MustNewMachine(DefaultGraphs()...)
	booking, _ := m.Graph(models.FlowBooking)

	if next, ok := booking.Expects(models.StepConfirm, models.IntentConfirm); !ok || next != models.StepComplete {
		t.Errorf("Expected confirm to complete booking, got %s %v", next, ok)
	}
	if _, ok := booking.Expects(models.StepCollectDatetime, models.IntentPricing); ok {
		t.Error("Expected pricing not to be accepted at collect_datetime")
	}
	if _, ok := booking.Expects(models.StepCollectService, models.IntentNone); ok {
		t.Error("Expected null intent never to match")
	}

	cancel, _ := m.Graph(models.FlowCancel)
	if next, ok := cancel.Expects(models.StepStart, models.IntentGeneral); !ok || next != models.StepComplete {
		t.Errorf("Expected any intent to complete cancel, got %s %v", next, ok)
	}
}

func TestMachineTransition_SkipsKnownBookingData(t *testing.T) {
	m := MustNewMachine(DefaultGraphs()...)
	lock, err := models.NewFlowLock(models.FlowBooking, models.PriorityHigh, testNow, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tr, ok := m.Transition(lock, models.IntentSlotSelection, "sexta às 10h")
	if !ok || tr.To != models.StepCollectService {
		t.Fatalf("Expected collect_service, got %+v %v", tr, ok)
	}
	if lock.Booking().DateTime != "sexta às 10h" {
		t.Errorf("Expected date to be recorded, got %q", lock.Booking().DateTime)
	}

	tr, ok = m.Transition(lock, models.IntentNone, "manicure")
	if !ok || !tr.FreeText {
		t.Fatalf("Expected free-text transition, got %+v %v", tr, ok)
	}
	if tr.To != models.StepConfirm || lock.Step != models.StepConfirm {
		t.Errorf("Expected known date to skip to confirm, got %s", lock.Step)
	}

	if _, ok := m.Transition(lock, models.IntentNone, "   "); ok {
		t.Error("Expected blank text to be rejected at confirm")
	}

	tr, ok = m.Transition(lock, models.IntentDeny, "não")
	if !ok || tr.To != models.StepCollectDatetime {
		t.Fatalf("Expected deny to return to collect_datetime, got %+v %v", tr, ok)
	}
	if lock.Booking().DateTime != "" {
		t.Errorf("Expected date to be cleared, got %q", lock.Booking().DateTime)
	}
}

func TestMachineTransition_UnknownFlow(t *testing.T) {
	m := MustNewMachine(singleTurn(models.FlowGeneral, models.PriorityLow, true))
	lock, _ := models.NewFlowLock(models.FlowBooking, models.PriorityHigh, testNow, time.Hour)
	if _, ok := m.Transition(lock, models.IntentBooking, "quero agendar"); ok {
		t.Error("Expected no transition without a graph")
	}
}
