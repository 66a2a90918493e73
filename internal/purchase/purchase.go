// Package purchase drives the ticket checkout workflow: load an event
// snapshot, validate the purchase intent, create the reservation, then
// initiate payment. The two network steps are strictly sequential because
// payment needs the reservation that the first step produces.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/itike/itike-web/internal/api"
	"github.com/itike/itike-web/internal/model"
	"github.com/itike/itike-web/internal/session"
)

// MaxPerOrder caps how many tickets one checkout may request.
const MaxPerOrder = 10

// Validation errors, resolved locally without touching the network.
var (
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrInvalidPhoneNumber   = errors.New("invalid phone number")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
)

// Workflow errors.
var (
	// ErrEventLoad is terminal: without an event snapshot the purchase
	// view cannot proceed and the visitor goes back to the catalog.
	ErrEventLoad = errors.New("event load failed")
	// ErrReservation means the backend refused to create the ticket. No
	// payment was attempted; the visitor may retry.
	ErrReservation = errors.New("reservation failed")
	// ErrPaymentInitiation means the reservation was created but payment
	// could not be started. The pending reservation persists server-side;
	// there is no compensating cancellation.
	ErrPaymentInitiation = errors.New("payment initiation failed")
	// ErrSubmitInFlight refuses a second submission while one is running.
	ErrSubmitInFlight = errors.New("a submission is already in progress")
	// ErrSubmitInterrupted means the view that started the submission went
	// away after both network steps had already succeeded. The reservation
	// and payment exist server-side, so the workflow closes: a retry would
	// create a second reservation for an already initiated payment.
	ErrSubmitInterrupted = errors.New("submission interrupted after payment initiation")
	// ErrWorkflowClosed refuses submissions after a terminal state.
	ErrWorkflowClosed = errors.New("purchase workflow is finished")
)

// QuantityRangeError reports a quantity outside 1..available, citing the
// availability in force at submit time.
type QuantityRangeError struct {
	Quantity  int
	Available int
}

func (e *QuantityRangeError) Error() string {
	return fmt.Sprintf("quantity %d out of range: only %d tickets available", e.Quantity, e.Available)
}

// International MSISDN: optional +, then 2-15 digits with no leading zero.
var phonePattern = regexp.MustCompile(`^\+?[1-9][0-9]{1,14}$`)

// Validate checks a purchase intent against the current event snapshot
// and identity, returning the first violated rule. The order is fixed:
// authentication, quantity, phone, payment method.
func Validate(intent model.PurchaseIntent, event *model.Event, identity *model.User) error {
	if identity == nil {
		return ErrNotAuthenticated
	}
	available := event.Available()
	if intent.Quantity < 1 || intent.Quantity > available {
		return &QuantityRangeError{Quantity: intent.Quantity, Available: available}
	}
	if !phonePattern.MatchString(intent.PhoneNumber) {
		return ErrInvalidPhoneNumber
	}
	if !intent.Method.Valid() {
		return ErrInvalidPaymentMethod
	}
	return nil
}

// State tracks the workflow through its lifecycle.
type State int

const (
	StateLoadingEvent State = iota
	StateReady
	StateSubmitting
	StateSucceeded
	StateFailed
)

// Outcome describes a completed purchase and what to tell the visitor.
// The workflow does not poll for settlement; a separate status view does.
type Outcome struct {
	TicketID  string
	PaymentID string
	Method    model.PaymentMethod
	Notice    string
}

// Workflow is one checkout attempt for one event. Instances are
// independent; the backend is the sole arbiter of capacity.
type Workflow struct {
	sess *session.Manager
	api  *api.Client

	mu       sync.Mutex
	state    State
	terminal bool
	event    *model.Event
	ticket   *model.Ticket
	outcome  *Outcome
	lastErr  error
}

// NewWorkflow constructs a Workflow bound to the visitor's session.
func NewWorkflow(sess *session.Manager) *Workflow {
	return &Workflow{sess: sess, api: sess.API(), state: StateLoadingEvent}
}

// Load fetches the event snapshot. Failure is terminal for this workflow
// instance: the caller should send the visitor back to the catalog.
func (w *Workflow) Load(ctx context.Context, eventID string) error {
	event, err := w.api.GetEvent(ctx, eventID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.state = StateFailed
		w.terminal = true
		w.lastErr = fmt.Errorf("%w: %w", ErrEventLoad, err)
		return w.lastErr
	}
	w.event = event
	w.state = StateReady
	return nil
}

// Refresh re-fetches the event snapshot without disturbing the workflow
// state, so a retry validates against current availability.
func (w *Workflow) Refresh(ctx context.Context) error {
	w.mu.Lock()
	if w.event == nil {
		w.mu.Unlock()
		return ErrEventLoad
	}
	id := w.event.ID
	w.mu.Unlock()

	event, err := w.api.GetEvent(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEventLoad, err)
	}
	w.mu.Lock()
	w.event = event
	w.mu.Unlock()
	return nil
}

// State returns the current workflow state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Event returns a copy of the loaded snapshot, or nil before Load.
func (w *Workflow) Event() *model.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.event == nil {
		return nil
	}
	e := *w.event
	return &e
}

// SelectableRange returns the quantity range the purchase form should
// offer, 1..min(MaxPerOrder, available). hi == 0 means submission is
// disabled because the event is sold out.
func (w *Workflow) SelectableRange() (lo, hi int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.event == nil {
		return 0, 0
	}
	hi = w.event.Available()
	if hi > MaxPerOrder {
		hi = MaxPerOrder
	}
	if hi == 0 {
		return 0, 0
	}
	return 1, hi
}

// ReservationID returns the server-assigned ticket id once a reservation
// exists, including after a failed payment initiation, where the pending
// reservation is known to be orphaned.
func (w *Workflow) ReservationID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ticket == nil {
		return ""
	}
	return w.ticket.ID
}

// Outcome returns the success outcome, or nil before the workflow
// succeeds.
func (w *Workflow) Outcome() *Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outcome
}

// Err returns the error that put the workflow in StateFailed, or nil.
func (w *Workflow) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Submit validates the intent against the latest snapshot and, if it
// passes, performs the two dependent network steps in order: create the
// reservation, then initiate payment. At most one submission runs at a
// time; a failed (non-terminal) workflow may be submitted again.
func (w *Workflow) Submit(ctx context.Context, intent model.PurchaseIntent) (*Outcome, error) {
	w.mu.Lock()
	if w.state == StateSubmitting {
		w.mu.Unlock()
		return nil, ErrSubmitInFlight
	}
	if w.terminal || w.state == StateSucceeded {
		w.mu.Unlock()
		return nil, ErrWorkflowClosed
	}
	if w.state != StateReady && w.state != StateFailed {
		w.mu.Unlock()
		return nil, ErrWorkflowClosed
	}
	// The availability bound is read here, at submit time, never from
	// whatever the form rendered with.
	event := w.event
	identity := w.sess.Identity()
	if err := Validate(intent, event, identity); err != nil {
		// Local rejection: the workflow stays where it was and no
		// network call is made.
		w.mu.Unlock()
		return nil, err
	}
	w.state = StateSubmitting
	w.mu.Unlock()

	ticket, err := w.api.CreateTicket(ctx, intent.EventID, intent.Quantity)
	if err != nil {
		return nil, w.fail(ErrReservation, err)
	}
	w.mu.Lock()
	w.ticket = ticket
	w.mu.Unlock()

	init, err := w.api.InitiatePayment(ctx, model.InitiatePaymentRequest{
		EventID:     intent.EventID,
		Quantity:    intent.Quantity,
		PhoneNumber: intent.PhoneNumber,
		PaymentType: intent.Method,
	})
	if err != nil {
		// The reservation already exists server-side as pending. It is
		// not rolled back here; reconciliation is the backend's problem.
		return nil, w.fail(ErrPaymentInitiation, err)
	}

	if ctx.Err() != nil {
		// The view that started this submission is gone; do not hand a
		// stale success to whatever replaced it, and do not allow a retry
		// either, since both steps already went through.
		err := fmt.Errorf("%w: %w", ErrSubmitInterrupted, ctx.Err())
		w.mu.Lock()
		w.state = StateFailed
		w.terminal = true
		w.lastErr = err
		w.mu.Unlock()
		return nil, err
	}

	outcome := &Outcome{
		TicketID:  ticket.ID,
		PaymentID: init.Payment.ID,
		Method:    intent.Method,
	}
	switch intent.Method {
	case model.PaymentMoMo:
		outcome.Notice = "Payment initiated! Check your phone for the MoMo prompt."
	case model.PaymentUSSD:
		outcome.Notice = "Ticket created! You will receive an SMS with payment details."
	}

	w.mu.Lock()
	w.state = StateSucceeded
	w.terminal = true
	w.outcome = outcome
	w.mu.Unlock()
	return outcome, nil
}

// fail records a recoverable failure. The server-supplied reason is kept
// when the backend provided one.
func (w *Workflow) fail(kind, cause error) error {
	var remote *api.RemoteError
	var err error
	if errors.As(cause, &remote) && remote.Reason != "" {
		err = fmt.Errorf("%w: %s", kind, remote.Reason)
	} else {
		err = fmt.Errorf("%w: %w", kind, cause)
	}
	w.mu.Lock()
	w.state = StateFailed
	w.lastErr = err
	w.mu.Unlock()
	return err
}
