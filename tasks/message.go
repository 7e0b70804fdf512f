package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Task is the unit of work published on task.<type>.
//
// On submission ID is the caller's correlation id. On the bus it is the
// job id assigned by the store; the caller's id survives as the job's
// trace_id.
type Task struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// Marshal serializes the task to JSON.
func (t Task) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask parses and validates a submission. The payload must be a JSON
// object; arrays, scalars, null and a missing payload are rejected.
func DecodeTask(data []byte) (Task, error) {
	var raw struct {
		ID      string          `json:"id"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Task{}, invalid("malformed task: %v", err)
	}

	trimmed := bytes.TrimSpace(raw.Payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Task{}, invalid("payload must be a JSON object")
	}

	t := Task{ID: raw.ID, Type: raw.Type}
	if err := json.Unmarshal(trimmed, &t.Payload); err != nil {
		return Task{}, invalid("payload: %v", err)
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

// ResultStatus is the worker-reported outcome.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// Result is published by a worker on task.result.
type Result struct {
	TaskID string                 `json:"taskId"`
	Status ResultStatus           `json:"status"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Marshal serializes the result to JSON.
func (r Result) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Validate checks the result names a task. Any status other than
// ResultSuccess counts as a failure.
func (r Result) Validate() error {
	if r.TaskID == "" {
		return invalid("result taskId is required")
	}
	return nil
}

// Succeeded reports whether the worker reported success.
func (r Result) Succeeded() bool {
	return r.Status == ResultSuccess
}

// UnmarshalResult parses and validates a result message.
func UnmarshalResult(data []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, invalid("malformed result: %v", err)
	}
	return r, r.Validate()
}

// Claim is published by a worker on task.claim when it starts a task.
type Claim struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`
}

// Marshal serializes the claim to JSON.
func (c Claim) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalClaim parses and validates a claim message.
func UnmarshalClaim(data []byte) (Claim, error) {
	var c Claim
	if err := json.Unmarshal(data, &c); err != nil {
		return Claim{}, invalid("malformed claim: %v", err)
	}
	if c.TaskID == "" || c.AgentID == "" {
		return Claim{}, invalid("claim needs taskId and agentId")
	}
	return c, nil
}

// String is used in log lines.
func (c Claim) String() string {
	return fmt.Sprintf("%s by %s", c.TaskID, c.AgentID)
}
