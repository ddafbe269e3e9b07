package jobhub

// Status is the lifecycle state of a job record.
// Use the exported constants (StatusPending, StatusRunning, etc.) instead of
// raw strings to avoid typos.
type Status string

const (
	// StatusPending is a job accepted by Submit but not yet admitted to the queue.
	StatusPending Status = "pending"
	// StatusQueued is a job waiting in the queue for an idle worker.
	StatusQueued Status = "queued"
	// StatusRunning is a job claimed by a worker.
	StatusRunning Status = "running"
	// StatusCompleted is a job whose handler returned successfully.
	StatusCompleted Status = "completed"
	// StatusFailed is a job whose last attempt returned an error.
	StatusFailed Status = "failed"
	// StatusCancelled is a job stopped on request.
	StatusCancelled Status = "cancelled"
	// StatusRetry is a job waiting out its backoff before being queued again.
	StatusRetry Status = "retry"
	// StatusStalled is a job whose last attempt exceeded its timeout.
	StatusStalled Status = "stalled"
)

// AllStatuses lists every valid status in a stable order.
var AllStatuses = []Status{
	StatusPending, StatusQueued, StatusRunning, StatusCompleted,
	StatusFailed, StatusCancelled, StatusRetry, StatusStalled,
}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// ParseStatus converts a string into a Status, returning ErrUnknownStatus for unknown values.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownStatus
}

// transitions maps a source status to the statuses it may move to.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusQueued:    true,
		StatusCancelled: true,
	},
	StatusQueued: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusStalled:   true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusRetry: true,
	},
	StatusStalled: {
		StatusRetry: true,
	},
	StatusRetry: {
		StatusQueued:    true,
		StatusCancelled: true,
	},
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// IsFinal reports whether no transition can ever leave s.
// Failed and stalled jobs are final only once the dispatcher declines to
// retry them; use Job.Terminal for that decision.
func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Cancellable reports whether Cancel is accepted in status s.
func (s Status) Cancellable() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusRetry:
		return true
	}
	return false
}

// Partition groups statuses the way dashboards split their job lists.
type Partition string

const (
	PartitionActive    Partition = "active"
	PartitionQueued    Partition = "queued"
	PartitionCompleted Partition = "completed"
	PartitionFailed    Partition = "failed"
)

// Statuses returns the statuses belonging to the partition, or nil if p is unknown.
func (p Partition) Statuses() []Status {
	switch p {
	case PartitionActive:
		return []Status{StatusRunning}
	case PartitionQueued:
		return []Status{StatusPending, StatusQueued, StatusRetry}
	case PartitionCompleted:
		return []Status{StatusCompleted}
	case PartitionFailed:
		return []Status{StatusFailed, StatusStalled, StatusCancelled}
	}
	return nil
}
