package domain

import "encoding/json"

// SessionState tracks the OPC UA session lifecycle. Transitions are owned
// exclusively by the session manager.
type SessionState int32

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionSubscribed
	SessionDegraded
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionSubscribed:
		return "subscribed"
	case SessionDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

func (s SessionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SessionState) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "connecting":
		*s = SessionConnecting
	case "subscribed":
		*s = SessionSubscribed
	case "degraded":
		*s = SessionDegraded
	default:
		*s = SessionDisconnected
	}
	return nil
}

// SinkStatus is a point-in-time snapshot of one delivery buffer.
type SinkStatus struct {
	Name      string `json:"name"`
	Buffered  int    `json:"buffered"`
	Capacity  int    `json:"capacity"`
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
}

// BridgeStatus is what GET /status returns.
type BridgeStatus struct {
	SessionState     SessionState `json:"session_state"`
	LastError        string       `json:"last_error,omitempty"`
	RegistryRevision uint64       `json:"registry_revision"`
	UptimeSeconds    float64      `json:"uptime_seconds"`
	Sinks            []SinkStatus `json:"sinks"`
}
