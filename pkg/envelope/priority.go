package envelope

import (
	"fmt"
	"strings"
)

// Priority orders envelopes in the bus. Lower values are dispatched first.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
)

// Priorities lists every level in dispatch order.
var Priorities = []Priority{Critical, High, Normal, Low}

// Valid reports whether p is one of the four defined levels.
func (p Priority) Valid() bool {
	return p >= Critical && p <= Low
}

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a level name to its Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return Critical, nil
	case "high":
		return High, nil
	case "normal", "":
		return Normal, nil
	case "low":
		return Low, nil
	default:
		return Normal, fmt.Errorf("unknown priority %q", s)
	}
}
