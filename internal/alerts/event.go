package alerts

import (
	"fmt"
	"time"
)

// MonitorStatus is the normalized UP/DOWN state carried by an alert
type MonitorStatus string

const (
	StatusDown MonitorStatus = "down"
	StatusUp   MonitorStatus = "up"
)

// AlertEvent is the normalized form of one inbound Uptime Kuma webhook call.
// Events are immutable once built.
type AlertEvent struct {
	MonitorName   string
	MonitorURL    string
	Status        MonitorStatus
	Message       string
	EventTime     time.Time
	CorrelationID string

	// CompanyIdentifier is the #CW marker token from the monitor name,
	// empty when the name carries no marker.
	CompanyIdentifier string
}

// ValidationError describes a malformed inbound payload. Handlers map it to
// a 400 response; no state is changed for invalid events.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid alert payload: %s: %s", e.Field, e.Message)
}
