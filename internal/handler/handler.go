// Package handler contains the chi HTTP handlers for the web shell: the
// pages around the session, gate, and purchase workflow. The pages are
// deliberately thin; everything with real state lives in the session and
// purchase packages.
package handler

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/itike/itike-web/internal/api"
	"github.com/itike/itike-web/internal/model"
	"github.com/itike/itike-web/internal/purchase"
	"github.com/itike/itike-web/internal/session"
)

//go:embed templates/*.html
var templateFS embed.FS

// workflowIdleTTL bounds how long an abandoned checkout stays resident
// before it is swept out.
const workflowIdleTTL = 30 * time.Minute

type workflowEntry struct {
	wf       *purchase.Workflow
	lastSeen time.Time
}

// Handler holds all HTTP handlers for the web shell.
type Handler struct {
	tmpl *template.Template

	// One purchase workflow per (session, event) pair, so a double-click
	// on the buy button hits the workflow's single-flight guard instead
	// of creating two reservations.
	mu        sync.Mutex
	workflows map[string]*workflowEntry
	lastSweep time.Time
}

// New constructs a Handler with its templates parsed.
func New() (*Handler, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"seq": func(lo, hi int) []int {
			if hi < lo {
				return nil
			}
			out := make([]int, 0, hi-lo+1)
			for i := lo; i <= hi; i++ {
				out = append(out, i)
			}
			return out
		},
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Handler{tmpl: tmpl, workflows: make(map[string]*workflowEntry)}, nil
}

// page carries the fields every template expects.
type page struct {
	Title  string
	User   *model.User
	Error  string
	Notice string
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.tmpl.ExecuteTemplate(w, name, data); err != nil {
		log.Printf("render %s: %v", name, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Auth pages ───────────────────────────────────────────────────────────────

type loginPage struct {
	page
}

// LoginForm handles GET /login
func (h *Handler) LoginForm(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if sess.IsAuthenticated() {
		http.Redirect(w, r, "/events", http.StatusSeeOther)
		return
	}
	h.render(w, "login.html", loginPage{page{Title: "Log in"}})
}

// Login handles POST /login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		h.render(w, "login.html", loginPage{page{Title: "Log in", Error: "invalid form submission"}})
		return
	}
	email := strings.TrimSpace(r.PostFormValue("email"))
	password := r.PostFormValue("password")
	if err := sess.Login(r.Context(), email, password); err != nil {
		h.render(w, "login.html", loginPage{page{Title: "Log in", Error: "Invalid email or password"}})
		return
	}
	http.Redirect(w, r, "/events", http.StatusSeeOther)
}

// RegisterForm handles GET /register
func (h *Handler) RegisterForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, "register.html", loginPage{page{Title: "Register"}})
}

// Register handles POST /register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		h.render(w, "register.html", loginPage{page{Title: "Register", Error: "invalid form submission"}})
		return
	}
	req := model.RegisterRequest{
		Name:     strings.TrimSpace(r.PostFormValue("name")),
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Phone:    strings.TrimSpace(r.PostFormValue("phone")),
		Password: r.PostFormValue("password"),
		Role:     model.Role(r.PostFormValue("role")),
	}
	if err := sess.Register(r.Context(), req); err != nil {
		h.render(w, "register.html", loginPage{page{Title: "Register", Error: "Registration failed: " + err.Error()}})
		return
	}
	http.Redirect(w, r, "/events", http.StatusSeeOther)
}

// Logout handles POST /logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	session.FromContext(r.Context()).Logout(r.Context())
	http.Redirect(w, r, "/events", http.StatusSeeOther)
}

// ─── Catalog shell ────────────────────────────────────────────────────────────

type eventsPage struct {
	page
	Events []model.Event
	Search string
}

// ListEvents handles GET /events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	filter := api.EventFilter{
		Search:   r.URL.Query().Get("search"),
		Category: r.URL.Query().Get("category"),
		Status:   r.URL.Query().Get("status"),
	}
	events, err := sess.API().ListEvents(r.Context(), filter)
	data := eventsPage{
		page:   page{Title: "Events", User: sess.Identity()},
		Events: events,
		Search: filter.Search,
	}
	if err != nil {
		data.Error = "Could not load events right now. Please try again."
	}
	h.render(w, "events.html", data)
}

// ─── Purchase workflow pages ──────────────────────────────────────────────────

type purchasePage struct {
	page
	Event       *model.Event
	MaxQuantity int
	Quantity    int
	Phone       string
	Method      string
	Total       float64
	NeedsLogin  bool
}

// workflow returns the purchase workflow for this session and event,
// creating it on first use.
func (h *Handler) workflow(sess *session.Manager, sid, eventID string) *purchase.Workflow {
	key := sid + "|" + eventID
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	h.sweepLocked(now)
	e, ok := h.workflows[key]
	if !ok {
		e = &workflowEntry{wf: purchase.NewWorkflow(sess)}
		h.workflows[key] = e
	}
	e.lastSeen = now
	return e.wf
}

// sweepLocked evicts checkouts idle beyond the TTL, at most once a
// minute. Callers hold h.mu.
func (h *Handler) sweepLocked(now time.Time) {
	if now.Sub(h.lastSweep) < time.Minute {
		return
	}
	h.lastSweep = now
	for key, e := range h.workflows {
		if now.Sub(e.lastSeen) > workflowIdleTTL {
			delete(h.workflows, key)
		}
	}
}

func (h *Handler) dropWorkflow(sid, eventID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.workflows, sid+"|"+eventID)
}

func (h *Handler) purchaseData(sess *session.Manager, wf *purchase.Workflow, intent model.PurchaseIntent) purchasePage {
	user := sess.Identity()
	event := wf.Event()
	_, hi := wf.SelectableRange()

	data := purchasePage{
		page:        page{Title: event.Title, User: user},
		Event:       event,
		MaxQuantity: hi,
		Quantity:    intent.Quantity,
		Phone:       intent.PhoneNumber,
		Method:      string(intent.Method),
		NeedsLogin:  user == nil,
	}
	if data.Quantity < 1 {
		data.Quantity = 1
	}
	if data.Phone == "" && user != nil {
		data.Phone = user.Phone
	}
	if data.Method == "" {
		data.Method = string(model.PaymentMoMo)
	}
	data.Total = event.Price * float64(data.Quantity)
	return data
}

// ShowEvent handles GET /events/{id}: the purchase view for one event.
func (h *Handler) ShowEvent(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	sid := sess.ID()
	eventID := chi.URLParam(r, "id")

	wf := h.workflow(sess, sid, eventID)
	if wf.Event() == nil {
		if err := wf.Load(r.Context(), eventID); err != nil {
			// Without an event there is nothing to render; back to the
			// catalog.
			h.dropWorkflow(sid, eventID)
			http.Redirect(w, r, "/events", http.StatusSeeOther)
			return
		}
	} else {
		// Returning visitor: refresh availability so the form offers a
		// current range.
		if err := wf.Refresh(r.Context()); err != nil {
			log.Printf("refresh event %s: %v", eventID, err)
		}
	}

	data := h.purchaseData(sess, wf, model.PurchaseIntent{})
	data.Notice = r.URL.Query().Get("notice")
	h.render(w, "purchase.html", data)
}

// Purchase handles POST /events/{id}/purchase: one submission attempt of
// the reservation-then-payment sequence.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	sid := sess.ID()
	eventID := chi.URLParam(r, "id")

	wf := h.workflow(sess, sid, eventID)
	if wf.Event() == nil {
		if err := wf.Load(r.Context(), eventID); err != nil {
			h.dropWorkflow(sid, eventID)
			http.Redirect(w, r, "/events", http.StatusSeeOther)
			return
		}
	}

	if err := r.ParseForm(); err != nil {
		data := h.purchaseData(sess, wf, model.PurchaseIntent{})
		data.Error = "invalid form submission"
		h.render(w, "purchase.html", data)
		return
	}
	quantity, _ := strconv.Atoi(r.PostFormValue("quantity"))
	intent := model.PurchaseIntent{
		EventID:     eventID,
		Quantity:    quantity,
		PhoneNumber: strings.TrimSpace(r.PostFormValue("phone_number")),
		Method:      model.PaymentMethod(r.PostFormValue("payment_type")),
	}

	outcome, err := wf.Submit(r.Context(), intent)
	if err != nil {
		h.renderPurchaseError(w, r, sess, wf, intent, err)
		return
	}

	h.dropWorkflow(sid, eventID)
	dest := "/tickets/" + url.PathEscape(outcome.TicketID) + "?notice=" + url.QueryEscape(outcome.Notice)
	http.Redirect(w, r, dest, http.StatusSeeOther)
}

func (h *Handler) renderPurchaseError(w http.ResponseWriter, r *http.Request, sess *session.Manager, wf *purchase.Workflow, intent model.PurchaseIntent, err error) {
	if errors.Is(err, api.ErrUnauthorized) {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	data := h.purchaseData(sess, wf, intent)
	var qty *purchase.QuantityRangeError
	switch {
	case errors.Is(err, purchase.ErrNotAuthenticated):
		data.Error = "Please log in to purchase tickets."
		data.NeedsLogin = true
	case errors.As(err, &qty):
		data.Error = fmt.Sprintf("Only %d tickets available", qty.Available)
	case errors.Is(err, purchase.ErrInvalidPhoneNumber):
		data.Error = "Enter a valid phone number, e.g. +250700000000"
	case errors.Is(err, purchase.ErrInvalidPaymentMethod):
		data.Error = "Choose mobile money or USSD"
	case errors.Is(err, purchase.ErrSubmitInFlight):
		data.Notice = "Your purchase is already being processed."
	case errors.Is(err, purchase.ErrPaymentInitiation):
		data.Error = err.Error()
		if id := wf.ReservationID(); id != "" {
			data.Notice = "Your reservation " + id + " was created but payment did not start. You may retry."
		}
	default:
		data.Error = err.Error()
	}
	h.render(w, "purchase.html", data)
}

// ─── Result, profile, unauthorized ────────────────────────────────────────────

type ticketPage struct {
	page
	TicketID string
}

// ShowTicket handles GET /tickets/{id}: the terminal result view of a
// purchase, keyed by the reservation id. Settlement progress is not
// polled here.
func (h *Handler) ShowTicket(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	h.render(w, "ticket.html", ticketPage{
		page:     page{Title: "Ticket", User: sess.Identity(), Notice: r.URL.Query().Get("notice")},
		TicketID: chi.URLParam(r, "id"),
	})
}

type profilePage struct {
	page
}

// ProfileForm handles GET /profile
func (h *Handler) ProfileForm(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	h.render(w, "profile.html", profilePage{page{Title: "Profile", User: sess.Identity()}})
}

// UpdateProfile handles POST /profile
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		h.render(w, "profile.html", profilePage{page{Title: "Profile", User: sess.Identity(), Error: "invalid form submission"}})
		return
	}
	req := model.UpdateProfileRequest{
		Name:  strings.TrimSpace(r.PostFormValue("name")),
		Phone: strings.TrimSpace(r.PostFormValue("phone")),
	}
	data := profilePage{page{Title: "Profile"}}
	if err := sess.UpdateProfile(r.Context(), req); err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		data.Error = "Could not update your profile. Please try again."
	} else {
		data.Notice = "Profile updated."
	}
	data.User = sess.Identity()
	h.render(w, "profile.html", data)
}

// Unauthorized handles GET /unauthorized
func (h *Handler) Unauthorized(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	h.render(w, "unauthorized.html", page{Title: "Not allowed", User: sess.Identity()})
}
