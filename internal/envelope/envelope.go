// Package envelope builds the single response shape returned for every
// prediction, successful or not.
package envelope

import "github.com/bytedance/sonic"

// Kind classifies a failed envelope.
type Kind string

const (
	// InvalidInput is a recoverable caller error: missing, oversized,
	// wrong-type or undecodable file.
	InvalidInput Kind = "InvalidInput"
	// InternalFault is a server-side failure. Its message never carries
	// internal detail.
	InternalFault Kind = "InternalFault"
)

// Envelope is either a success carrying data or a failure carrying a
// message. The zero value is not a valid envelope; use Success or Failure.
type Envelope struct {
	success bool
	data    any
	err     string
	kind    Kind
}

// Success wraps data. A nil payload is replaced by an empty object so that
// a successful envelope always carries data.
func Success(data any) Envelope {
	if data == nil {
		data = struct{}{}
	}
	return Envelope{success: true, data: data}
}

func Failure(kind Kind, message string) Envelope {
	if kind == "" {
		kind = InternalFault
	}
	return Envelope{kind: kind, err: message}
}

func (e Envelope) Success() bool { return e.success }

// Data is nil for failures.
func (e Envelope) Data() any { return e.data }

// Error is empty for successes.
func (e Envelope) Error() string { return e.err }

// Kind is empty for successes.
func (e Envelope) Kind() Kind { return e.kind }

type successJSON struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type failureJSON struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.success {
		return sonic.Marshal(successJSON{Success: true, Data: e.data})
	}
	return sonic.Marshal(failureJSON{Success: false, Error: e.err})
}
