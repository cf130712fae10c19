package model

import "time"

// Appointment statuses. Derived locally; the provider only reports whether an
// event is still active, so richer states (no-show etc.) are never produced.
const (
	StatusScheduled = "scheduled"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// ClientUnknown is stored when an event carries no invitee.
const ClientUnknown = "unknown"

// Appointment is the locally owned record of a booked session, keyed by the
// event id derived from the provider URI. Cancellation is a status flag, not
// a deletion.
type Appointment struct {
	EventID        string
	ExternalURI    string
	TherapistID    string
	TherapistEmail string
	ClientEmail    string
	InviteeName    string
	StartTime      time.Time
	EndTime        time.Time
	Status         string
	Source         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// Terminal reports whether the status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// StatsSnapshot is the singleton rollup recomputed after each sync pass.
type StatsSnapshot struct {
	TotalBookings     int
	UpcomingBookings  int
	CancelledBookings int
	LastSync          time.Time
	SyncType          string
}

// Therapist is a practice profile record.
type Therapist struct {
	ID            string
	Email         string
	Name          string
	CalendlyEmail string
}

// PortalUser is the sign-in identity linked to a therapist profile.
type PortalUser struct {
	ID          string
	Email       string
	TherapistID string
	Role        string
}
