package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// Machine holds one step graph per flow type and moves locks along them.
type Machine struct {
	graphs map[models.FlowType]*Graph
}

// Transition is one accepted move along a graph.
type Transition struct {
	From     models.FlowStep
	To       models.FlowStep
	Intent   models.BusinessIntent
	FreeText bool
}

// NewMachine validates the graphs and indexes them by flow.
func NewMachine(graphs ...*Graph) (*Machine, error) {
	m := &Machine{graphs: make(map[models.FlowType]*Graph, len(graphs))}
	for _, g := range graphs {
		if !g.Flow.IsValid() {
			return nil, fmt.Errorf("graph for unknown flow %q", g.Flow)
		}
		if !g.Priority.IsValid() {
			return nil, fmt.Errorf("graph %s: invalid priority %q", g.Flow, g.Priority)
		}
		if _, ok := g.Steps[models.StepStart]; !ok {
			return nil, fmt.Errorf("graph %s: missing start step", g.Flow)
		}
		for step, def := range g.Steps {
			targets := []models.FlowStep{def.Any, def.FreeText}
			for _, to := range def.On {
				targets = append(targets, to)
			}
			for _, to := range targets {
				if to == "" || to.IsTerminal() {
					continue
				}
				if _, ok := g.Steps[to]; !ok {
					return nil, fmt.Errorf("graph %s: step %s leads to undefined step %s", g.Flow, step, to)
				}
			}
		}
		if g.Entry != "" {
			if _, ok := g.Steps[g.Entry]; !ok {
				return nil, fmt.Errorf("graph %s: undefined entry step %s", g.Flow, g.Entry)
			}
		}
		m.graphs[g.Flow] = g
	}
	return m, nil
}

// MustNewMachine is like NewMachine but panics on invalid graphs.
func MustNewMachine(graphs ...*Graph) *Machine {
	m, err := NewMachine(graphs...)
	if err != nil {
		panic(err)
	}
	return m
}

// Graph returns the graph of flow.
func (m *Machine) Graph(flow models.FlowType) (*Graph, bool) {
	g, ok := m.graphs[flow]
	return g, ok
}

// Transition advances lock by intent, or by free text when intent is null, and records the
// flow's working data. It reports false when the current step declares no such transition.
func (m *Machine) Transition(lock *models.FlowLock, intent models.BusinessIntent, text string) (Transition, bool) {
	g, ok := m.graphs[lock.ActiveFlow]
	if !ok {
		return Transition{}, false
	}
	t := Transition{From: lock.Step, Intent: intent}
	if next, ok := g.Expects(lock.Step, intent); ok {
		t.To = next
	} else if intent == models.IntentNone {
		def := g.Def(lock.Step)
		if def.FreeText == "" || strings.TrimSpace(text) == "" {
			return Transition{}, false
		}
		t.To = def.FreeText
		t.FreeText = true
	} else {
		return Transition{}, false
	}

	t.To = recordStepData(lock, t, strings.TrimSpace(text))
	lock.Step = t.To
	return t, true
}

// recordStepData stores what the turn contributed to the flow and returns the step to land on,
// skipping steps whose data is already known.
func recordStepData(lock *models.FlowLock, t Transition, text string) models.FlowStep {
	switch lock.ActiveFlow {
	case models.FlowBooking:
		b := lock.Booking()
		switch {
		case t.Intent == models.IntentSlotSelection:
			b.DateTime = text
		case t.From == models.StepCollectService && (t.FreeText || t.Intent == models.IntentServices):
			b.Service = text
		case t.From == models.StepConfirm && t.Intent == models.IntentDeny:
			b.DateTime = ""
		}
		if t.To == models.StepCollectDatetime && b.DateTime != "" && b.Service != "" {
			return models.StepConfirm
		}
	case models.FlowReschedule:
		r := lock.Reschedule()
		switch t.Intent {
		case models.IntentSlotSelection:
			r.Slot = text
		case models.IntentDeny:
			if t.From == models.StepConfirm {
				r.Slot = ""
			}
		}
	}
	return t.To
}
