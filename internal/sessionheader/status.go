package sessionheader

import "strings"

// Status is the lifecycle state recorded for a session.
type Status int

const (
	StatusUnknown Status = iota
	StatusRunning
	StatusNormal
	StatusCrashed
)

// String returns the canonical spelling written to session headers.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "Running"
	case StatusNormal:
		return "Normal"
	case StatusCrashed:
		return "Crashed"
	default:
		return "Unknown"
	}
}

// ParseStatus maps a stored status name to a Status. Names written by this
// package match exactly; anything else falls back to a case-insensitive
// comparison, and unrecognised names are StatusUnknown.
func ParseStatus(name string) Status {
	switch name {
	case "Running":
		return StatusRunning
	case "Normal":
		return StatusNormal
	case "Crashed":
		return StatusCrashed
	}

	for _, s := range []Status{StatusRunning, StatusNormal, StatusCrashed} {
		if strings.EqualFold(name, s.String()) {
			return s
		}
	}
	return StatusUnknown
}
