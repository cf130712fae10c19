package outbox

// Appointment lifecycle topics. Topic name equals event type, one event kind
// per topic.
const (
	EventAppointmentSynced    = "appointment.synced.v1"
	EventAppointmentCancelled = "appointment.cancelled.v1"
	EventAppointmentCompleted = "appointment.completed.v1"
)

// Event is the domain event envelope written to the outbox table in the same
// transaction as the appointment write it describes.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}
