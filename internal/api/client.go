// Package api implements the typed HTTP client for the ticketing backend.
// Every response is a small JSON envelope; errors arrive as {"error": "..."}.
//
// The client never decides what an invalid token means. It reports a 401
// through the single OnUnauthorized hook and returns ErrUnauthorized, and
// the session layer takes it from there.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/itike/itike-web/internal/model"
)

// ErrUnauthorized is returned when the backend rejects the current token.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNotFound is returned when the requested resource does not exist.
var ErrNotFound = errors.New("not found")

// RemoteError carries a server-supplied rejection reason for any other
// non-2xx response.
type RemoteError struct {
	Status int
	Reason string
}

func (e *RemoteError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return "backend returned status " + strconv.Itoa(e.Status)
}

// TokenSource yields the bearer token for outgoing requests. An empty
// string means the request goes out anonymous.
type TokenSource interface {
	Token() string
}

// Client talks to the ticketing backend. It is safe for concurrent use.
type Client struct {
	base  string
	hc    *http.Client
	token TokenSource

	// onUnauthorized fires whenever the backend answers 401, regardless
	// of which call triggered it. May be nil.
	onUnauthorized func()
}

// NewClient constructs a Client. token and onUnauthorized may be nil for
// purely anonymous use.
func NewClient(baseURL string, hc *http.Client, token TokenSource, onUnauthorized func()) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: baseURL, hc: hc, token: token, onUnauthorized: onUnauthorized}
}

// do sends one JSON request and decodes the response envelope into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != nil {
		if tok := c.token.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope model.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		return &RemoteError{Status: resp.StatusCode, Reason: envelope.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type authEnvelope struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// Login exchanges credentials for a token and identity.
func (c *Client) Login(ctx context.Context, email, password string) (string, *model.User, error) {
	var env authEnvelope
	err := c.do(ctx, http.MethodPost, "/login", model.LoginRequest{Email: email, Password: password}, &env)
	if err != nil {
		return "", nil, err
	}
	return env.Token, &env.User, nil
}

// Register creates an account and returns its first token and identity.
func (c *Client) Register(ctx context.Context, req model.RegisterRequest) (string, *model.User, error) {
	var env authEnvelope
	if err := c.do(ctx, http.MethodPost, "/register", req, &env); err != nil {
		return "", nil, err
	}
	return env.Token, &env.User, nil
}

// CurrentUser resolves the held token to an identity.
func (c *Client) CurrentUser(ctx context.Context) (*model.User, error) {
	var env struct {
		User model.User `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/me", nil, &env); err != nil {
		return nil, err
	}
	return &env.User, nil
}

// UpdateProfile mutates name/phone and returns the updated identity.
func (c *Client) UpdateProfile(ctx context.Context, req model.UpdateProfileRequest) (*model.User, error) {
	var env struct {
		User model.User `json:"user"`
	}
	if err := c.do(ctx, http.MethodPut, "/me", req, &env); err != nil {
		return nil, err
	}
	return &env.User, nil
}

// GetEvent fetches one event snapshot.
func (c *Client) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var env struct {
		Event model.Event `json:"event"`
	}
	if err := c.do(ctx, http.MethodGet, "/events/"+url.PathEscape(id), nil, &env); err != nil {
		return nil, err
	}
	return &env.Event, nil
}

// EventFilter narrows ListEvents. Zero values are omitted.
type EventFilter struct {
	Search   string
	Category string
	Status   string
}

// ListEvents fetches the catalog, optionally filtered.
func (c *Client) ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error) {
	q := url.Values{}
	if filter.Search != "" {
		q.Set("search", filter.Search)
	}
	if filter.Category != "" {
		q.Set("category", filter.Category)
	}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	path := "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var env struct {
		Events []model.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &env); err != nil {
		return nil, err
	}
	return env.Events, nil
}

// CreateTicket reserves quantity tickets for an event. The returned ticket
// starts out pending until the payment settles.
func (c *Client) CreateTicket(ctx context.Context, eventID string, quantity int) (*model.Ticket, error) {
	var env struct {
		Ticket model.Ticket `json:"ticket"`
	}
	req := model.CreateTicketRequest{EventID: eventID, Quantity: quantity}
	if err := c.do(ctx, http.MethodPost, "/tickets", req, &env); err != nil {
		return nil, err
	}
	return &env.Ticket, nil
}

// PaymentInitiation is the backend's answer to a payment request. MoMoRef
// is the raw provider acknowledgement and only present for momo payments.
type PaymentInitiation struct {
	Payment model.Payment   `json:"payment"`
	MoMoRef json.RawMessage `json:"momo,omitempty"`
}

// InitiatePayment starts settlement for a freshly created reservation.
func (c *Client) InitiatePayment(ctx context.Context, req model.InitiatePaymentRequest) (*PaymentInitiation, error) {
	var env PaymentInitiation
	if err := c.do(ctx, http.MethodPost, "/payment/initiate", req, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
