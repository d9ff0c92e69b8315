// Package outcome models optional computations that may be skipped or fail
// without aborting the pipeline, such as spatial lag features and SHAP values.
package outcome

import "github.com/rs/zerolog"

// Status is the result state of an optional computation.
type Status int

const (
	// Computed means the computation ran and its value is usable.
	Computed Status = iota
	// Skipped means the computation was not attempted.
	Skipped
	// Failed means the computation was attempted and failed.
	Failed
)

func (s Status) String() string {
	switch s {
	case Computed:
		return "computed"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome carries a Status and, for Skipped or Failed, the reason.
type Outcome struct {
	Status Status
	Reason string
	Err    error
}

// Done returns a Computed outcome.
func Done() Outcome { return Outcome{Status: Computed} }

// Skip returns a Skipped outcome with reason.
func Skip(reason string) Outcome { return Outcome{Status: Skipped, Reason: reason} }

// Fail returns a Failed outcome wrapping err.
func Fail(err error) Outcome {
	o := Outcome{Status: Failed, Err: err}
	if err != nil {
		o.Reason = err.Error()
	}
	return o
}

// OK reports whether the computation produced a usable value.
func (o Outcome) OK() bool { return o.Status == Computed }

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (o Outcome) MarshalZerologObject(e *zerolog.Event) {
	e.Str("status", o.Status.String())
	if o.Reason != "" {
		e.Str("reason", o.Reason)
	}
}
