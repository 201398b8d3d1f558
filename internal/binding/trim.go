package binding

import (
	"fmt"
	"strings"
)

// TrimLevel is how hard the embedder is being asked to shed memory
type TrimLevel int

const (
	// TrimRunningLow keeps the most recent half of the moderate bindings
	TrimRunningLow TrimLevel = iota
	// TrimRunningCritical keeps the most recent quarter
	TrimRunningCritical
	// TrimComplete releases every moderate binding
	TrimComplete
)

func (l TrimLevel) String() string {
	switch l {
	case TrimRunningLow:
		return "running_low"
	case TrimRunningCritical:
		return "running_critical"
	case TrimComplete:
		return "complete"
	default:
		return fmt.Sprintf("TrimLevel(%d)", int(l))
	}
}

// ParseTrimLevel parses the String form of a level
func ParseTrimLevel(s string) (TrimLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running_low":
		return TrimRunningLow, nil
	case "running_critical":
		return TrimRunningCritical, nil
	case "complete":
		return TrimComplete, nil
	default:
		return 0, fmt.Errorf("unknown trim level %q", s)
	}
}

// keep returns how many of n bindings survive a trim at this level
func (l TrimLevel) keep(n int) int {
	switch l {
	case TrimRunningLow:
		return n / 2
	case TrimRunningCritical:
		return n / 4
	default:
		return 0
	}
}
