package heartbeat

import (
	"encoding/json"
	"errors"
	"time"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Subjects for liveness traffic.
const (
	// SubjectHeartbeat carries periodic liveness and tool advertisements.
	SubjectHeartbeat = "agent.heartbeat"

	// SubjectDiscovery is the coordinator's "announce yourselves" poke.
	// Its payload is an empty object.
	SubjectDiscovery = "agent.discovery"
)

// Tool describes one capability an agent advertises.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// Heartbeat is the liveness message an agent publishes on agent.heartbeat.
type Heartbeat struct {
	// AgentID uniquely identifies the sending agent instance.
	AgentID string `json:"agentId"`

	// Service is the agent's logical name (its worker class).
	Service string `json:"service"`

	Version string `json:"version"`

	// Timestamp is the agent's clock in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	Tools []Tool `json:"tools"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	if h.Tools == nil {
		c := *h
		c.Tools = []Tool{}
		return json.Marshal(&c)
	}
	return json.Marshal(h)
}

// Unmarshal deserializes a heartbeat from JSON.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Valid reports whether the heartbeat identifies an agent. Heartbeats
// without an agent id or service name are ignored by the registry.
func (h *Heartbeat) Valid() bool {
	return h.AgentID != "" && h.Service != ""
}

// Time returns Timestamp as a time.Time.
func (h *Heartbeat) Time() time.Time {
	return time.UnixMilli(h.Timestamp)
}

// ToolNames returns the advertised tool names in order.
func (h *Heartbeat) ToolNames() []string {
	names := make([]string, len(h.Tools))
	for i, t := range h.Tools {
		names[i] = t.Name
	}
	return names
}
