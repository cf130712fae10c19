package sync

import (
	"time"

	"counselsync/services/sync-service/internal/calendly"
	"counselsync/services/sync-service/internal/identity"
	"counselsync/services/sync-service/internal/model"
)

// EventID derives the stable local key from a provider event URI.
func EventID(eventURI string) string {
	return calendly.LastPathSegment(eventURI)
}

// MapEvent turns one provider event (and its first invitee, if any) into an
// appointment record. Pure; timestamps on the record are set by the caller's
// clock. Only the provider's binary active flag is available, so status maps
// to scheduled or cancelled and nothing else.
func MapEvent(ev calendly.Event, invitee *calendly.Invitee, id identity.Identity, source string, now time.Time) model.Appointment {
	status := model.StatusCancelled
	if ev.Status == calendly.EventStatusActive {
		status = model.StatusScheduled
	}

	clientEmail := model.ClientUnknown
	if invitee != nil && invitee.Email != "" {
		clientEmail = invitee.Email
	}

	inviteeName := ""
	if invitee != nil {
		inviteeName = invitee.Name
	}
	if inviteeName == "" {
		inviteeName = ev.Name
	}
	if inviteeName == "" {
		inviteeName = clientEmail
	}

	return model.Appointment{
		EventID:        EventID(ev.URI),
		ExternalURI:    ev.URI,
		TherapistID:    id.TherapistID,
		TherapistEmail: id.Email,
		ClientEmail:    clientEmail,
		InviteeName:    inviteeName,
		StartTime:      ev.StartTime,
		EndTime:        ev.EndTime,
		Status:         status,
		Source:         source,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// DurationMinutes is the session length derived from the event window.
// Zero-duration events are valid and yield 0.
func DurationMinutes(ev calendly.Event) int {
	d := ev.EndTime.Sub(ev.StartTime)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}
