package orchestrator

import (
	"encoding/json"
	"sort"
	"time"
)

// Outcome is the result of one server interaction or agent task.
// Success outcomes serialize as their payload; failures serialize as
// {"error": message}.
type Outcome struct {
	OK      bool
	Payload any    // map[string]any or json.RawMessage when OK
	Message string // error message when not OK

	Duration time.Duration
}

// Success returns a successful Outcome carrying payload.
func Success(payload any) Outcome {
	return Outcome{OK: true, Payload: payload}
}

// Failure returns a failed Outcome with message.
func Failure(message string) Outcome {
	return Outcome{Message: message}
}

// MarshalJSON implements json.Marshaler.
func (o Outcome) MarshalJSON() ([]byte, error) {
	if !o.OK {
		return json.Marshal(map[string]string{"error": o.Message})
	}
	if o.Payload == nil {
		return []byte(`{"success":true}`), nil
	}
	return json.Marshal(o.Payload)
}

// TaskResult maps a server name (or AgentKey) to its Outcome. There is
// one entry per attempted server.
type TaskResult map[string]Outcome

// Names returns the result keys in sorted order.
func (r TaskResult) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Failed returns the number of failed outcomes.
func (r TaskResult) Failed() int {
	n := 0
	for _, o := range r {
		if !o.OK {
			n++
		}
	}
	return n
}
