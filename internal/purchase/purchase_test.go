package purchase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/itike/itike-web/internal/model"
	"github.com/itike/itike-web/internal/repository"
	"github.com/itike/itike-web/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTokens is an in-memory session.TokenStore.
type memTokens struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newMemTokens() *memTokens { return &memTokens{tokens: make(map[string]string)} }

func (s *memTokens) Get(_ context.Context, sid string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.tokens[sid]; ok {
		return tok, nil
	}
	return "", repository.ErrNoToken
}

func (s *memTokens) Put(_ context.Context, sid, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[sid] = token
	return nil
}

func (s *memTokens) Delete(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, sid)
	return nil
}

// fakeBackend emulates the event, ticket and payment endpoints and counts
// every call, so tests can pin down exactly which network steps ran.
type fakeBackend struct {
	mu    sync.Mutex
	event model.Event

	eventCalls   int
	ticketCalls  int
	paymentCalls int
	callOrder    []string

	ticketStatus  int // 0 means success
	ticketReason  string
	paymentStatus int
	paymentReason string

	// ticketGate, when set, blocks ticket creation until released.
	ticketGate chan struct{}
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		user := model.User{ID: "u1", Name: "Alice", Phone: "+250700000000", Role: model.RoleUser}
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok-1", "user": user})
	})
	mux.HandleFunc("GET /events/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.eventCalls++
		b.callOrder = append(b.callOrder, "event")
		event := b.event
		b.mu.Unlock()
		if r.PathValue("id") != event.ID {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(model.ErrorResponse{Error: "Event not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"event": event})
	})
	mux.HandleFunc("POST /tickets", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.ticketCalls++
		b.callOrder = append(b.callOrder, "ticket")
		status, reason := b.ticketStatus, b.ticketReason
		gate := b.ticketGate
		b.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if status != 0 {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(model.ErrorResponse{Error: reason})
			return
		}
		var req model.CreateTicketRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"ticket": model.Ticket{
			ID: "t1", EventID: req.EventID, Quantity: req.Quantity, Status: "pending",
		}})
	})
	mux.HandleFunc("POST /payment/initiate", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.paymentCalls++
		b.callOrder = append(b.callOrder, "payment")
		status, reason := b.paymentStatus, b.paymentReason
		b.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(model.ErrorResponse{Error: reason})
			return
		}
		var req model.InitiatePaymentRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"payment": model.Payment{
			ID: "p1", TicketID: "t1", Status: "pending", PaymentType: req.PaymentType,
		}})
	})
	return mux
}

func (b *fakeBackend) counts() (events, tickets, payments int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eventCalls, b.ticketCalls, b.paymentCalls
}

func (b *fakeBackend) order() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.callOrder...)
}

// newTestWorkflow builds a workflow over a fake backend. When login is
// true the session holds an authenticated identity.
func newTestWorkflow(t *testing.T, backend *fakeBackend, login bool) *Workflow {
	t.Helper()
	if backend.event.ID == "" {
		backend.event = model.Event{
			ID: "e1", Title: "Kigali Jazz Night", Price: 5000,
			MaxTickets: 100, SoldTickets: 10, Status: "active",
		}
	}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	sess := session.NewManager("sid-1", srv.URL, srv.Client(), newMemTokens())
	sess.Initialize(context.Background())
	if login {
		require.NoError(t, sess.Login(context.Background(), "alice@example.com", "pw"))
	}
	return NewWorkflow(sess)
}

func TestValidateOrder(t *testing.T) {
	event := &model.Event{ID: "e1", MaxTickets: 10, SoldTickets: 5}
	user := &model.User{ID: "u1", Role: model.RoleUser}

	tests := []struct {
		name     string
		intent   model.PurchaseIntent
		identity *model.User
		wantErr  error
	}{
		{
			name:     "unauthenticated wins over everything",
			intent:   model.PurchaseIntent{Quantity: 99, PhoneNumber: "bogus", Method: "cash"},
			identity: nil,
			wantErr:  ErrNotAuthenticated,
		},
		{
			name:     "quantity checked before phone",
			intent:   model.PurchaseIntent{Quantity: 0, PhoneNumber: "bogus", Method: "cash"},
			identity: user,
			wantErr:  &QuantityRangeError{},
		},
		{
			name:     "phone checked before method",
			intent:   model.PurchaseIntent{Quantity: 2, PhoneNumber: "bogus", Method: "cash"},
			identity: user,
			wantErr:  ErrInvalidPhoneNumber,
		},
		{
			name:     "method checked last",
			intent:   model.PurchaseIntent{Quantity: 2, PhoneNumber: "+250700000000", Method: "cash"},
			identity: user,
			wantErr:  ErrInvalidPaymentMethod,
		},
		{
			name:     "valid intent",
			intent:   model.PurchaseIntent{Quantity: 2, PhoneNumber: "+250700000000", Method: model.PaymentMoMo},
			identity: user,
			wantErr:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.intent, event, tt.identity)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			var qty *QuantityRangeError
			if errors.As(tt.wantErr, &qty) {
				assert.ErrorAs(t, err, &qty)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestPhonePattern(t *testing.T) {
	event := &model.Event{MaxTickets: 10}
	user := &model.User{ID: "u1"}
	tests := []struct {
		phone string
		ok    bool
	}{
		{"+250700000000", true},
		{"250700000000", true},
		{"+14155552671", true},
		{"12", true},
		{"+0788123456", false}, // leading zero in subscriber part
		{"0788123456", false},
		{"+1", false}, // too short
		{"+1234567890123456", false}, // too long
		{"+250 700 000 000", false},
		{"", false},
	}
	for _, tt := range tests {
		err := Validate(model.PurchaseIntent{Quantity: 1, PhoneNumber: tt.phone, Method: model.PaymentMoMo}, event, user)
		if tt.ok {
			assert.NoError(t, err, "phone %q", tt.phone)
		} else {
			assert.ErrorIs(t, err, ErrInvalidPhoneNumber, "phone %q", tt.phone)
		}
	}
}

func TestQuantityRejectionCitesCurrentAvailability(t *testing.T) {
	backend := &fakeBackend{event: model.Event{
		ID: "e1", Title: "Almost full", MaxTickets: 50, SoldTickets: 48, Price: 1000,
	}}
	wf := newTestWorkflow(t, backend, true)
	require.NoError(t, wf.Load(context.Background(), "e1"))

	_, err := wf.Submit(context.Background(), model.PurchaseIntent{
		EventID: "e1", Quantity: 3, PhoneNumber: "+250700000000", Method: model.PaymentMoMo,
	})

	var qty *QuantityRangeError
	require.ErrorAs(t, err, &qty)
	assert.Equal(t, 2, qty.Available)
	assert.Equal(t, 3, qty.Quantity)

	_, tickets, payments := backend.counts()
	assert.Zero(t, tickets, "no reservation call on local rejection")
	assert.Zero(t, payments)
	assert.Equal(t, StateReady, wf.State(), "local rejection is recoverable")
}

func TestSubmitTimeAvailabilityNotRenderTime(t *testing.T) {
	backend := &fakeBackend{event: model.Event{
		ID: "e1", MaxTickets: 50, SoldTickets: 10, Price: 1000,
	}}
	wf := newTestWorkflow(t, backend, true)
	require.NoError(t, wf.Load(context.Background(), "e1"))

	// Capacity drains between render and submit; the refreshed snapshot,
	// not the one the form was built from, decides the bound.
	backend.mu.Lock()
	backend.event.SoldTickets = 48
	backend.mu.Unlock()
	require.NoError(t, wf.Refresh(context.Background()))

	_, err := wf.Submit(context.Background(), model.PurchaseIntent{
		EventID: "e1", Quantity: 5, PhoneNumber: "+250700000000", Method: model.PaymentMoMo,
	})

	var qty *QuantityRangeError
	require.ErrorAs(t, err, &qty)
	assert.Equal(t, 2, qty.Available)
}

func TestSubmitMoMoSuccess(t *testing.T) {
	backend := &fakeBackend{}
	wf := newTestWorkflow(t, backend, true)
	require.NoError(t, wf.Load(context.Background(), "e1"))

	outcome, err := wf.Submit(context.Background(), model.PurchaseIntent{
		EventID: "e1", Quantity: 1, PhoneNumber: "+250700000000", Method: model.PaymentMoMo,
	})

	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, wf.State())
	assert.Equal(t, "t1", outcome.TicketID)
	assert.Contains(t, outcome.Notice, "Check your phone")

	_, tickets, payments := backend.counts()
	assert.Equal(t, 1, tickets)
	assert.Equal(t, 1, payments)
	assert.Equal(t, []string{"event", "ticket", "payment"}, backend.order(),
		"payment strictly after reservation")
}

func TestSubmitUSSDSuccess(t *testing.T) {
	backend := &fakeBackend{}
	wf := newTestWorkflow(t, backend, true)
	require.NoError(t, wf.Load(context.Background(), "e1"))

	outcome, err := wf.Submit(context.Background(), model.PurchaseIntent{
		EventID: "e1", Quantity: 2, PhoneNumber: "250788123456", Method: model.PaymentUSSD,
	})

	require.NoError(t, err)
	assert.Contains(t, outcome.Notice, "SMS")
	assert.Equal(t, model.PaymentUSSD, outcome.Method)
}

func TestPaymentFailureLeavesReservationOrphaned(t *testing.T) {
	backend := &fakeBackend{paymentStatus: http.StatusBadGateway, paymentReason: "MoMo unavailable"}
	wf := newTestWorkflow(t, backend, true)
	require.NoError(t, wf.Load(context.Background(), "e1"))

	_, err := wf.Submit(context.Background(), model.PurchaseIntent{
		EventID: "e1", Quantity: 1, PhoneNumber: "+250700000000", Method: model.PaymentMoMo,
	})

	require.ErrorIs(t, err, ErrPaymentInitiation)
	assert.Contains(t, err.Error(), "MoMo unavailable")
	assert.Equal(t, StateFailed, wf.State())
	assert.Equal(t, "t1", wf.ReservationID(), "pending reservation is not rolled back")

	_, tickets, payments := backend.counts()
	assert.Equal(t, 1, tickets)
	assert.Equal(t, 1, payments)
}

func TestReservationFailureSkipsPayment(t *testing.T) {
	backend := &fakeBackend{ticketStatus: http.StatusConflict, ticketReason: "Not enough tickets available"}
	wf := newTestWorkflow(t, backend, true)
	require.NoError(t, wf.Load(context.Background(), "e1"))

	_, err := wf.Submit(context.Background(), model.PurchaseIntent{
		EventID: "e1", Quantity: 1, PhoneNumber: "+250700000000", Method: model.PaymentMoMo,
	})

	require.ErrorIs(t, err, ErrReservation)
	assert.Contains(t, err.Error(), "Not enough tickets available")
	assert.Empty(t, wf.ReservationID())

	_, _, payments := backend.counts()
	assert.Zero(t, payments, "no payment attempt after a failed reservation")
}

func TestFailedSubmitMayRetry(t *testing.T) {
	backend := &fakeBackend{ticketStatus: http.StatusConflict, ticketReason: "busy"}
	wf := newTestWorkflow(t, backend, true)
	require.NoError(t, wf.Load(context.Background(), "e1"))

	intent := model.PurchaseIntent{
		EventID: "e1", Quantity: 1, PhoneNumber: "+250700000000", Method: model.PaymentMoMo,
	}
	_, err := wf.Submit(context.Background(), intent)
	require.ErrorIs(t, err, ErrReservation)

	backend.mu.Lock()
	backend.ticketStatus = 0
	backend.mu.Unlock()

	outcome, err := wf.Submit(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, "t1", outcome.TicketID)
}

func TestUnauthenticatedSubmitMakesNoCalls(t *testing.T) {
	backend := &fakeBackend{}
	wf := newTestWorkflow(t, backend, false)
	require.NoError(t, wf.Load(context.Background(), "e1"))

	_, err := wf.Submit(context.Background(), model.PurchaseIntent{
		EventID: "e1", Quantity: 1, PhoneNumber: "+250700000000", Method: model.PaymentMoMo,
	})

	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, tickets, payments := backend.counts()
	assert.Zero(t, tickets)
	assert.Zero(t, payments)
}

func TestSecondSubmitRefusedWhileInFlight(t *testing.T) {
	backend := &fakeBackend{ticketGate: make(chan struct{})}
	wf := newTestWorkflow(t, backend, true)
	require.NoError(t, wf.Load(context.Background(), "e1"))

	intent := model.PurchaseIntent{
		EventID: "e1", Quantity: 1, PhoneNumber: "+250700000000", Method: model.PaymentMoMo,
	}

	done := make(chan error, 1)
	go func() {
		_, err := wf.Submit(context.Background(), intent)
		done <- err
	}()

	// Wait until the first submission is holding the backend open.
	require.Eventually(t, func() bool {
		_, tickets, _ := backend.counts()
		return tickets == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := wf.Submit(context.Background(), intent)
	assert.ErrorIs(t, err, ErrSubmitInFlight)

	close(backend.ticketGate)
	require.NoError(t, <-done)

	_, tickets, _ := backend.counts()
	assert.Equal(t, 1, tickets, "exactly one reservation per submission cycle")
}

// cancelOnPayment cancels the submission context once the payment
// response has been fully received, emulating a visitor who navigates
// away at the worst possible moment.
type cancelOnPayment struct {
	rt     http.RoundTripper
	cancel context.CancelFunc
}

func (c *cancelOnPayment) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.rt.RoundTrip(req)
	if err != nil || !strings.HasSuffix(req.URL.Path, "/payment/initiate") {
		return resp, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	c.cancel()
	return resp, nil
}

func TestCancelAfterInitiationClosesWorkflow(t *testing.T) {
	backend := &fakeBackend{event: model.Event{
		ID: "e1", MaxTickets: 100, SoldTickets: 10, Price: 1000,
	}}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hc := &http.Client{Transport: &cancelOnPayment{rt: http.DefaultTransport, cancel: cancel}}

	sess := session.NewManager("sid-1", srv.URL, hc, newMemTokens())
	sess.Initialize(context.Background())
	require.NoError(t, sess.Login(context.Background(), "alice@example.com", "pw"))
	wf := NewWorkflow(sess)
	require.NoError(t, wf.Load(context.Background(), "e1"))

	intent := model.PurchaseIntent{
		EventID: "e1", Quantity: 1, PhoneNumber: "+250700000000", Method: model.PaymentMoMo,
	}
	_, err := wf.Submit(ctx, intent)

	require.ErrorIs(t, err, ErrSubmitInterrupted)
	assert.Equal(t, StateFailed, wf.State())
	assert.Equal(t, "t1", wf.ReservationID(), "the reservation exists server-side")

	// Both steps went through; a retry must not reserve again.
	_, err = wf.Submit(context.Background(), intent)
	assert.ErrorIs(t, err, ErrWorkflowClosed)

	_, tickets, payments := backend.counts()
	assert.Equal(t, 1, tickets)
	assert.Equal(t, 1, payments)
}

func TestSubmitAfterSuccessRefused(t *testing.T) {
	backend := &fakeBackend{}
	wf := newTestWorkflow(t, backend, true)
	require.NoError(t, wf.Load(context.Background(), "e1"))

	intent := model.PurchaseIntent{
		EventID: "e1", Quantity: 1, PhoneNumber: "+250700000000", Method: model.PaymentMoMo,
	}
	_, err := wf.Submit(context.Background(), intent)
	require.NoError(t, err)

	_, err = wf.Submit(context.Background(), intent)
	assert.ErrorIs(t, err, ErrWorkflowClosed)
}

func TestLoadFailureIsTerminal(t *testing.T) {
	backend := &fakeBackend{}
	wf := newTestWorkflow(t, backend, true)

	err := wf.Load(context.Background(), "missing")
	require.ErrorIs(t, err, ErrEventLoad)
	assert.Equal(t, StateFailed, wf.State())

	_, err = wf.Submit(context.Background(), model.PurchaseIntent{
		EventID: "missing", Quantity: 1, PhoneNumber: "+250700000000", Method: model.PaymentMoMo,
	})
	assert.ErrorIs(t, err, ErrWorkflowClosed)
}

func TestSelectableRange(t *testing.T) {
	tests := []struct {
		name       string
		max, sold  int
		wantLo, wantHi int
	}{
		{"plenty left caps at per-order max", 100, 10, 1, MaxPerOrder},
		{"fewer than cap", 50, 48, 1, 2},
		{"sold out disables", 50, 50, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{event: model.Event{
				ID: "e1", MaxTickets: tt.max, SoldTickets: tt.sold,
			}}
			wf := newTestWorkflow(t, backend, true)
			require.NoError(t, wf.Load(context.Background(), "e1"))
			lo, hi := wf.SelectableRange()
			assert.Equal(t, tt.wantLo, lo)
			assert.Equal(t, tt.wantHi, hi)
		})
	}
}
