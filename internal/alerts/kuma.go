package alerts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// companyMarker is the prefix that tags a monitor name with a ConnectWise
// company identifier, e.g. "Web Server #CWMyClient". Matching is
// case-sensitive.
const companyMarker = "#CW"

// kumaTimeLayout is the timestamp format Uptime Kuma puts in heartbeat.time
const kumaTimeLayout = "2006-01-02 15:04:05.999"

// KumaPayload represents the webhook payload from Uptime Kuma
type KumaPayload struct {
	Heartbeat *struct {
		Status *int   `json:"status"` // 0 = down, 1 = up
		Time   string `json:"time"`
		Msg    string `json:"msg"`
	} `json:"heartbeat"`
	Monitor *struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"monitor"`
	Msg string `json:"msg"`
}

// Normalize parses a raw Uptime Kuma webhook body into an AlertEvent.
// correlationID may be empty, in which case a fresh one is generated.
func Normalize(body []byte, correlationID string) (*AlertEvent, error) {
	var payload KumaPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ValidationError{Field: "body", Message: fmt.Sprintf("failed to parse JSON: %v", err)}
	}

	if payload.Monitor == nil || payload.Monitor.Name == "" {
		return nil, &ValidationError{Field: "monitor.name", Message: "required field is missing"}
	}
	if payload.Heartbeat == nil || payload.Heartbeat.Status == nil {
		return nil, &ValidationError{Field: "heartbeat.status", Message: "required field is missing"}
	}

	var status MonitorStatus
	switch *payload.Heartbeat.Status {
	case 0:
		status = StatusDown
	case 1:
		status = StatusUp
	default:
		return nil, &ValidationError{
			Field:   "heartbeat.status",
			Message: fmt.Sprintf("unrecognized status code %d", *payload.Heartbeat.Status),
		}
	}

	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	message := payload.Msg
	if message == "" {
		message = payload.Heartbeat.Msg
	}

	eventTime := time.Now()
	if payload.Heartbeat.Time != "" {
		if parsed, err := time.Parse(kumaTimeLayout, payload.Heartbeat.Time); err == nil {
			eventTime = parsed
		}
	}

	return &AlertEvent{
		MonitorName:       payload.Monitor.Name,
		MonitorURL:        payload.Monitor.URL,
		Status:            status,
		Message:           message,
		EventTime:         eventTime,
		CorrelationID:     correlationID,
		CompanyIdentifier: ExtractCompanyIdentifier(payload.Monitor.Name),
	}, nil
}

// ExtractCompanyIdentifier scans a monitor name for a #CW<ident> marker and
// returns the identifier, or "" when no marker with a non-empty identifier
// exists. The identifier is the run of non-whitespace characters after the
// marker, terminated early by a second marker.
func ExtractCompanyIdentifier(monitorName string) string {
	rest := monitorName
	for {
		idx := strings.Index(rest, companyMarker)
		if idx < 0 {
			return ""
		}
		rest = rest[idx+len(companyMarker):]

		end := len(rest)
		if ws := strings.IndexFunc(rest, isSpace); ws >= 0 {
			end = ws
		}
		if next := strings.Index(rest, companyMarker); next >= 0 && next < end {
			end = next
		}

		if end > 0 {
			return rest[:end]
		}
		// Empty identifier (marker at end of token), keep scanning.
	}
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}
