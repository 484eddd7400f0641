package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// FlowLock is the lease a conversation holds on one in-progress flow.
type FlowLock struct {
	ActiveFlow   FlowType        `json:"active_flow"`
	Step         FlowStep        `json:"step"`
	ExpiresAt    time.Time       `json:"expires_at"`
	CreatedAt    time.Time       `json:"created_at"`
	Priority     Priority        `json:"priority"`
	NextFlowHint FlowType        `json:"next_flow_hint,omitempty"`
	TimeoutStage SystemFlowState `json:"timeout_stage,omitempty"`
	StepData     StepPayload     `json:"step_data,omitempty"`
}

// StepPayload is the flow-specific working data of a lock. The set of implementations is closed:
// BookingData, RescheduleData and CollectionData.
type StepPayload interface {
	payloadFor(flow FlowType) bool
}

// BookingData holds a booking in progress.
type BookingData struct {
	Service  string `json:"service,omitempty"`
	DateTime string `json:"date_time,omitempty"`
}

// RescheduleData holds a reschedule in progress.
type RescheduleData struct {
	AppointmentRef string `json:"appointment_ref,omitempty"`
	Slot           string `json:"slot,omitempty"`
}

// CollectionData holds the profile values gathered so far by the data-collection sub-flow.
type CollectionData struct {
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	Gender         string `json:"gender,omitempty"`
	InferredGender string `json:"inferred_gender,omitempty"`
	BirthDate      string `json:"birth_date,omitempty"`
	Address        string `json:"address,omitempty"`
}

func (*BookingData) payloadFor(f FlowType) bool    { return f == FlowBooking }
func (*RescheduleData) payloadFor(f FlowType) bool { return f == FlowReschedule }
func (*CollectionData) payloadFor(f FlowType) bool {
	return f == FlowOnboarding || f == FlowReturningUser
}

// NewStepPayload returns the empty payload for flow, or nil for flows without working data.
func NewStepPayload(flow FlowType) StepPayload {
	switch flow {
	case FlowBooking:
		return &BookingData{}
	case FlowReschedule:
		return &RescheduleData{}
	case FlowOnboarding, FlowReturningUser:
		return &CollectionData{}
	}
	return nil
}

// NewFlowLock creates a lock at the start step.
func NewFlowLock(flow FlowType, priority Priority, now time.Time, ttl time.Duration) (*FlowLock, error) {
	if !flow.IsValid() {
		return nil, fmt.Errorf("%w: unknown flow %q", ErrInvalidLock, flow)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: non-positive ttl %s", ErrInvalidLock, ttl)
	}
	return &FlowLock{
		ActiveFlow: flow,
		Step:       StepStart,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Priority:   priority,
		StepData:   NewStepPayload(flow),
	}, nil
}

// IsExpired reports whether the lease has run out at now.
func (l *FlowLock) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Renew extends the lease from now, keeping CreatedAt. The new expiry is always after CreatedAt.
func (l *FlowLock) Renew(now time.Time, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Second
	}
	base := now
	if base.Before(l.CreatedAt) {
		base = l.CreatedAt
	}
	l.ExpiresAt = base.Add(ttl)
}

// Booking returns the booking payload, creating it if the lock lost it.
func (l *FlowLock) Booking() *BookingData {
	if d, ok := l.StepData.(*BookingData); ok {
		return d
	}
	d := &BookingData{}
	l.StepData = d
	return d
}

// Reschedule returns the reschedule payload.
func (l *FlowLock) Reschedule() *RescheduleData {
	if d, ok := l.StepData.(*RescheduleData); ok {
		return d
	}
	d := &RescheduleData{}
	l.StepData = d
	return d
}

// Collection returns the data-collection payload.
func (l *FlowLock) Collection() *CollectionData {
	if d, ok := l.StepData.(*CollectionData); ok {
		return d
	}
	d := &CollectionData{}
	l.StepData = d
	return d
}

// Validate checks the lock invariants.
func (l *FlowLock) Validate() error {
	if !l.ActiveFlow.IsValid() {
		return fmt.Errorf("%w: lock without a flow", ErrInvalidLock)
	}
	if l.Step == "" {
		return fmt.Errorf("%w: lock for %s without a step", ErrInvalidLock, l.ActiveFlow)
	}
	if !l.ExpiresAt.After(l.CreatedAt) {
		return fmt.Errorf("%w: expires_at %s not after created_at %s", ErrInvalidLock,
			l.ExpiresAt.Format(time.RFC3339Nano), l.CreatedAt.Format(time.RFC3339Nano))
	}
	if !l.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrInvalidLock, l.Priority)
	}
	if l.StepData != nil && !l.StepData.payloadFor(l.ActiveFlow) {
		return fmt.Errorf("%w: step data %T does not belong to flow %s", ErrInvalidLock, l.StepData, l.ActiveFlow)
	}
	return nil
}

type flowLockJSON struct {
	ActiveFlow   FlowType        `json:"active_flow"`
	Step         FlowStep        `json:"step"`
	ExpiresAt    time.Time       `json:"expires_at"`
	CreatedAt    time.Time       `json:"created_at"`
	Priority     Priority        `json:"priority"`
	NextFlowHint FlowType        `json:"next_flow_hint,omitempty"`
	TimeoutStage SystemFlowState `json:"timeout_stage,omitempty"`
	StepData     json.RawMessage `json:"step_data,omitempty"`
}

// MarshalJSON refuses to serialize a lock without a flow.
func (l FlowLock) MarshalJSON() ([]byte, error) {
	if !l.ActiveFlow.IsValid() {
		return nil, fmt.Errorf("%w: refusing to serialize lock without a flow", ErrInvalidLock)
	}
	out := flowLockJSON{
		ActiveFlow:   l.ActiveFlow,
		Step:         l.Step,
		ExpiresAt:    l.ExpiresAt,
		CreatedAt:    l.CreatedAt,
		Priority:     l.Priority,
		NextFlowHint: l.NextFlowHint,
		TimeoutStage: l.TimeoutStage,
	}
	if l.StepData != nil {
		raw, err := json.Marshal(l.StepData)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal step data: %w", err)
		}
		out.StepData = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes step_data into the payload type selected by active_flow.
func (l *FlowLock) UnmarshalJSON(data []byte) error {
	var in flowLockJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if !in.ActiveFlow.IsValid() {
		return fmt.Errorf("%w: unknown active_flow %q", ErrInvalidLock, in.ActiveFlow)
	}
	*l = FlowLock{
		ActiveFlow:   in.ActiveFlow,
		Step:         in.Step,
		ExpiresAt:    in.ExpiresAt,
		CreatedAt:    in.CreatedAt,
		Priority:     in.Priority,
		NextFlowHint: in.NextFlowHint,
		TimeoutStage: in.TimeoutStage,
	}
	payload := NewStepPayload(in.ActiveFlow)
	if payload != nil && len(in.StepData) > 0 && !bytes.Equal(in.StepData, []byte("null")) {
		if err := json.Unmarshal(in.StepData, payload); err != nil {
			return fmt.Errorf("failed to unmarshal step data for %s: %w", in.ActiveFlow, err)
		}
	}
	l.StepData = payload
	return nil
}
