// Package model defines the domain types shared across the ticketing client.
package model

import "time"

// Role classifies an account. Admin accounts are provisioned out of band
// and cannot be created through self-registration.
type Role string

const (
	RoleUser      Role = "user"
	RoleOrganizer Role = "organizer"
	RoleAdmin     Role = "admin"
)

// PaymentMethod is the wire value for how a ticket is paid.
type PaymentMethod string

const (
	PaymentMoMo PaymentMethod = "momo"
	PaymentUSSD PaymentMethod = "ussd"
)

// Valid reports whether the method is one the backend accepts.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMoMo || m == PaymentUSSD
}

// User is the authenticated identity returned by the backend.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Role      Role      `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is a read-only snapshot of a bookable event.
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Date        time.Time `json:"date"`
	Location    string    `json:"location"`
	Price       float64   `json:"price"`
	MaxTickets  int       `json:"max_tickets"`
	SoldTickets int       `json:"sold_tickets"`
	Status      string    `json:"status"`
	Category    string    `json:"category"`
	ImageURL    string    `json:"image_url"`
	OrganizerID string    `json:"organizer_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Available returns the number of purchasable tickets, clamped at zero.
// The backend should never report sold > max, but a snapshot that does
// must not produce a negative range here.
func (e Event) Available() int {
	if e.SoldTickets >= e.MaxTickets {
		return 0
	}
	return e.MaxTickets - e.SoldTickets
}

// SoldOut reports whether no tickets remain.
func (e Event) SoldOut() bool {
	return e.Available() == 0
}

// Ticket is a reservation record. The backend owns it; after creation the
// client only holds the id and status it was handed back.
type Ticket struct {
	ID         string     `json:"id"`
	EventID    string     `json:"event_id"`
	UserID     string     `json:"user_id"`
	TicketCode string     `json:"ticket_code"`
	Status     string     `json:"status"`
	Price      float64    `json:"price"`
	Quantity   int        `json:"quantity"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Payment is a provider-facing settlement record for a ticket.
type Payment struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	EventID     string        `json:"event_id"`
	TicketID    string        `json:"ticket_id"`
	Amount      float64       `json:"amount"`
	Status      string        `json:"status"`
	PaymentType PaymentMethod `json:"payment_type"`
	MoMoRef     string        `json:"momo_ref"`
	PhoneNumber string        `json:"phone_number"`
	Description string        `json:"description"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// PurchaseIntent holds the unsubmitted checkout parameters for one attempt.
type PurchaseIntent struct {
	EventID     string
	Quantity    int
	PhoneNumber string
	Method      PaymentMethod
}

// LoginRequest is the payload for POST /login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the payload for POST /register.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

// UpdateProfileRequest carries the mutable identity fields for PUT /me.
// Empty fields are left unchanged by the backend.
type UpdateProfileRequest struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// CreateTicketRequest is the payload for POST /tickets.
type CreateTicketRequest struct {
	EventID  string `json:"event_id"`
	Quantity int    `json:"quantity"`
}

// InitiatePaymentRequest is the payload for POST /payment/initiate.
type InitiatePaymentRequest struct {
	EventID     string        `json:"event_id"`
	Quantity    int           `json:"quantity"`
	PhoneNumber string        `json:"phone_number"`
	PaymentType PaymentMethod `json:"payment_type"`
}

// ErrorResponse is the backend's standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
