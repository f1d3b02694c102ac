package controller

import (
	"fmt"
	"slices"

	"github.com/sonroyaalmerol/ldap-gateway/internal/directory"
)

// Severity classifies an outcome for logging and status mapping.
type Severity int

const (
	Succeeded Severity = iota
	SoftFailure
	HardFailure
)

func (s Severity) String() string {
	switch s {
	case Succeeded:
		return "success"
	case SoftFailure:
		return "soft_failure"
	}
	return "hard_failure"
}

// Outcome is what add and modify report back: a protocol description, not
// an error.
type Outcome struct {
	DN          string
	Description string
	Message     string
	Severity    Severity
}

func (o Outcome) OK() bool {
	return o.Severity == Succeeded
}

// String is "success", or "{dn}: {description} {message}" otherwise.
func (o Outcome) String() string {
	if o.OK() {
		return directory.DescSuccess
	}
	return o.Diagnostic()
}

func (o Outcome) Diagnostic() string {
	return fmt.Sprintf("%s: %s %s", o.DN, o.Description, o.Message)
}

// outcomeFor classifies r. Descriptions listed in soft are expected
// refusals rather than faults.
func outcomeFor(dn string, r directory.Result, soft ...string) Outcome {
	o := Outcome{DN: dn, Description: r.Description, Message: r.Message}
	switch {
	case r.Success():
		o.Severity = Succeeded
	case slices.Contains(soft, r.Description):
		o.Severity = SoftFailure
	default:
		o.Severity = HardFailure
	}
	return o
}
