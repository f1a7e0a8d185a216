// Package provider implements the provider-side Task Coordinator: a
// per-agreement finite state machine orchestrating the execution subsystem
// (ExeUnits) and the payment subsystem over the lifetime of one Agreement
// (spec §4.E).
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	marketerr "marketnode/core/errors"
	"marketnode/market"
	"marketnode/observability"
)

// State is the Task Coordinator's state set.
type State string

const (
	StateNew         State = "New"
	StateInitialized State = "Initialized"
	StateComputing   State = "Computing"
	StateClosed      State = "Closed"
	StateBroken      State = "Broken"
)

// ExeUnit is the running external process backing one activity.
type ExeUnit interface {
	Terminate(ctx context.Context) error
}

// ActivityAPI is the execution subsystem collaborator: it spawns ExeUnits
// and surfaces activity lifecycle events for the periodic poll.
type ActivityAPI interface {
	SpawnExeUnit(ctx context.Context, agreementID market.AgreementID, activityID string) (ExeUnit, error)
	PollEvents(ctx context.Context, agreementID market.AgreementID, window time.Duration) ([]ActivityEvent, error)
}

// ActivityEventKind distinguishes create/destroy notifications from the
// Activity API.
type ActivityEventKind string

const (
	ActivityEventCreate  ActivityEventKind = "create"
	ActivityEventDestroy ActivityEventKind = "destroy"
)

// ActivityEvent is one item returned by ActivityAPI.PollEvents.
type ActivityEvent struct {
	Kind       ActivityEventKind
	ActivityID string
}

// Coordinator is the per-agreement FSM. One instance exists per Agreement
// for as long as the agreement is active.
type Coordinator struct {
	mu sync.Mutex

	agreementID market.AgreementID
	state       State
	inFlight    *State
	brokenReason string

	waitingForActivity bool
	execAcked          bool
	paymentAcked       bool

	tasks   map[string]ExeUnit // activityID -> running unit
	dao     *ActivityDAO
	api     ActivityAPI
}

// NewCoordinator constructs a Task Coordinator for agreementID, starting in
// State New.
func NewCoordinator(agreementID market.AgreementID, dao *ActivityDAO, api ActivityAPI) *Coordinator {
	return &Coordinator{
		agreementID: agreementID,
		state:       StateNew,
		tasks:       make(map[string]ExeUnit),
		dao:         dao,
		api:         api,
	}
}

// State returns the current committed state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// startTransition records an in-flight move to `to`. Only one transition may
// be in flight at a time, except a move to Broken, which always preempts
// whatever else is in flight.
func (c *Coordinator) startTransition(to State) error {
	if c.inFlight != nil && to != StateBroken {
		return fmt.Errorf("provider: transition to %s already in flight", *c.inFlight)
	}
	c.inFlight = &to
	return nil
}

// finishTransition commits the in-flight move to `to`, if it is still the
// one recorded by startTransition.
func (c *Coordinator) finishTransition(to State) {
	if c.inFlight == nil || *c.inFlight != to {
		return
	}
	c.state = to
	c.inFlight = nil
	observability.Provider().RecordActivityState(string(to))
}

// AgreementSigned records the agreement as awaiting its first activity.
func (c *Coordinator) AgreementSigned() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitingForActivity = true
}

// AckExecutionSubsystem records the execution subsystem's acknowledgement of
// the agreement; Initialized is entered once both acks are in.
func (c *Coordinator) AckExecutionSubsystem() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execAcked = true
	c.maybeInitialize()
}

// AckPaymentSubsystem records the payment subsystem's acknowledgement.
func (c *Coordinator) AckPaymentSubsystem() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paymentAcked = true
	c.maybeInitialize()
}

func (c *Coordinator) maybeInitialize() {
	if c.state != StateNew || !c.execAcked || !c.paymentAcked {
		return
	}
	if err := c.startTransition(StateInitialized); err != nil {
		return
	}
	c.finishTransition(StateInitialized)
}

// CreateActivity handles a CreateActivity{activity,agreement} event: it is
// rejected if the agreement is not awaiting activity or a task for this
// activity id already exists; otherwise it spawns an ExeUnit and enters
// Computing (idempotently across further activity creates).
func (c *Coordinator) CreateActivity(ctx context.Context, activityID string) error {
	c.mu.Lock()
	if !c.waitingForActivity && c.state != StateComputing {
		c.mu.Unlock()
		return marketerr.Newf(marketerr.Conflict, "create_activity", "agreement %s is not awaiting activity", c.agreementID)
	}
	if _, exists := c.tasks[activityID]; exists {
		c.mu.Unlock()
		return marketerr.Newf(marketerr.Conflict, "create_activity", "task for activity %s already exists", activityID)
	}
	c.mu.Unlock()

	unit, err := c.api.SpawnExeUnit(ctx, c.agreementID, activityID)
	if err != nil {
		return marketerr.New(marketerr.Driver, "create_activity", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[activityID] = unit
	c.waitingForActivity = false
	if err := c.dao.Upsert(string(c.agreementID), activityID, "Running"); err != nil {
		return marketerr.New(marketerr.Internal, "create_activity", err)
	}
	if c.state == StateInitialized {
		if err := c.startTransition(StateComputing); err == nil {
			c.finishTransition(StateComputing)
		}
	}
	return nil
}

// DestroyActivity handles a DestroyActivity event. A missing task is ignored
// and nil is returned (idempotent).
func (c *Coordinator) DestroyActivity(ctx context.Context, activityID string) error {
	c.mu.Lock()
	unit, ok := c.tasks[activityID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	err := unit.Terminate(ctx)

	c.mu.Lock()
	delete(c.tasks, activityID)
	_ = c.dao.Delete(activityID)
	c.mu.Unlock()

	if err != nil {
		return marketerr.New(marketerr.Driver, "destroy_activity", err)
	}
	return nil
}

// UpdateActivity polls the Activity API for events within window and
// dispatches them as CreateActivity/DestroyActivity. Poll failures are the
// caller's responsibility to log and retry next tick.
func (c *Coordinator) UpdateActivity(ctx context.Context, window time.Duration) error {
	events, err := c.api.PollEvents(ctx, c.agreementID, window)
	if err != nil {
		return marketerr.New(marketerr.Transport, "update_activity", err)
	}
	for _, ev := range events {
		switch ev.Kind {
		case ActivityEventCreate:
			if err := c.CreateActivity(ctx, ev.ActivityID); err != nil {
				return err
			}
		case ActivityEventDestroy:
			if err := c.DestroyActivity(ctx, ev.ActivityID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close performs the clean Computing->Closed transition triggered by the
// requestor closing the agreement.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateComputing {
		return fmt.Errorf("provider: cannot close from state %s", c.state)
	}
	if err := c.startTransition(StateClosed); err != nil {
		return err
	}
	c.finishTransition(StateClosed)
	return nil
}

// Break preempts any in-flight transition and moves unconditionally to
// Broken{reason}, reachable from any non-terminal state.
func (c *Coordinator) Break(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.state == StateBroken {
		return
	}
	c.inFlight = nil
	c.state = StateBroken
	c.brokenReason = reason
}

// BrokenReason returns the reason passed to Break, if the coordinator is
// currently Broken.
func (c *Coordinator) BrokenReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.brokenReason
}
