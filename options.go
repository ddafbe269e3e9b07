package jobhub

import "time"

type options struct {
	id         string
	priority   Priority
	maxRetries int
	timeout    time.Duration
	user       string

	// set flags distinguish an explicit zero from "use the server default"
	maxRetriesSet bool
}

// Option is a function that configures a job during Submit.
type Option func(*options)

// WithJobID sets a custom ID for the job. If not provided, a random UUID will be generated.
func WithJobID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithPriority sets the dispatch priority. Defaults to PriorityNormal.
func WithPriority(p Priority) Option {
	return func(o *options) {
		o.priority = p
	}
}

// WithMaxRetries sets the attempt ceiling for the job.
// Zero means the job is attempted once and never retried.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
		o.maxRetriesSet = true
	}
}

// WithTimeout sets the maximum duration of a single attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithUser records the submitting user on the job.
func WithUser(user string) Option {
	return func(o *options) {
		o.user = user
	}
}
