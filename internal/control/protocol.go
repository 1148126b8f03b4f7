package control

import (
	"encoding/json"
	"fmt"
)

// Command names carried in Request.Command.
const (
	CmdEnqueue = "enqueue"
	CmdWorker  = "worker"
	CmdStatus  = "status"
	CmdList    = "list"
	CmdDLQ     = "dlq"
	CmdConfig  = "config"
	CmdMetrics = "metrics"
)

// Request is the envelope sent by the CLI, one per connection.
type Request struct {
	Command string `json:"command"`
	Option  string `json:"option,omitempty"`
	Flag    string `json:"flag,omitempty"`
	Value   string `json:"value,omitempty"`
}

// Response is the daemon's reply. Message is a string on failure and a
// command specific JSON document on success.
type Response struct {
	Success bool            `json:"success"`
	Message json.RawMessage `json:"message"`
}

func okResponse(v any) Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return failResponse(fmt.Errorf("encode result: %w", err))
	}
	return Response{Success: true, Message: raw}
}

func failResponse(err error) Response {
	raw, _ := json.Marshal(err.Error())
	return Response{Success: false, Message: raw}
}

// Text returns Message as a plain string when it is a JSON string, otherwise
// the raw JSON.
func (r Response) Text() string {
	var s string
	if err := json.Unmarshal(r.Message, &s); err == nil {
		return s
	}
	return string(r.Message)
}

// Decode unmarshals a successful Message into v.
func (r Response) Decode(v any) error {
	if !r.Success {
		return fmt.Errorf("daemon error: %s", r.Text())
	}
	return json.Unmarshal(r.Message, v)
}

// StatusReport is the status command result.
type StatusReport struct {
	Jobs    map[string]int `json:"jobs"`
	Workers int            `json:"workers"`
}

// ConfigValue is the config get result. Set is false when the default applies.
type ConfigValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Set   bool   `json:"set"`
}

// jobPayload is the enqueue document.
type jobPayload struct {
	ID       string `json:"id"`
	Command  string `json:"command"`
	RunAfter string `json:"run_after,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}
