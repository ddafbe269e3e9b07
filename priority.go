package jobhub

// Priority orders dispatch: higher priorities always go first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// AllPriorities lists priorities from highest to lowest.
var AllPriorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// Rank returns the queue band of the priority (0 = lowest), or -1 if unknown.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	}
	return -1
}

// String returns the raw string value of the priority.
func (p Priority) String() string { return string(p) }

// ParsePriority converts a string into a Priority. An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(s)
	if p.Rank() < 0 {
		return "", ErrUnknownPriority
	}
	return p, nil
}
