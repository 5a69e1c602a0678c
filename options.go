package relayq

type enqueueOptions struct {
	id         string
	queue      string
	priority   Priority
	maxRetries int
	retryDelay int64
	timeout    int64

	maxRetriesSet bool
	timeoutSet    bool
}

// Defaults applied at enqueue when neither the producer nor the handler
// declaration overrides them.
const (
	DefaultQueue      = "default"
	DefaultMaxRetries = 3
	DefaultRetryDelay = 60  // seconds
	DefaultTimeout    = 300 // seconds
)

func defaultEnqueueOptions() *enqueueOptions {
	return &enqueueOptions{
		queue:      DefaultQueue,
		priority:   PriorityNormal,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		timeout:    DefaultTimeout,
	}
}

// Option is a function that configures task behavior during Enqueue.
type Option func(*enqueueOptions)

// TaskID sets a custom ID for the task. If not provided, a random UUID will be generated.
func TaskID(id string) Option {
	return func(o *enqueueOptions) {
		o.id = id
	}
}

// Queue routes the task to the named queue instead of "default".
func Queue(name string) Option {
	return func(o *enqueueOptions) {
		if name != "" {
			o.queue = name
		}
	}
}

// WithPriority sets the task's priority band.
func WithPriority(p Priority) Option {
	return func(o *enqueueOptions) {
		if p.Valid() {
			o.priority = p
		}
	}
}

// MaxRetries sets the maximum number of retry attempts for the task.
func MaxRetries(n int) Option {
	return func(o *enqueueOptions) {
		if n >= 0 {
			o.maxRetries = n
			o.maxRetriesSet = true
		}
	}
}

// RetryDelay sets the backoff base, in seconds, between failed attempts.
func RetryDelay(seconds int64) Option {
	return func(o *enqueueOptions) {
		if seconds >= 0 {
			o.retryDelay = seconds
		}
	}
}

// Timeout sets the per-attempt execution bound, in seconds.
func Timeout(seconds int64) Option {
	return func(o *enqueueOptions) {
		if seconds > 0 {
			o.timeout = seconds
			o.timeoutSet = true
		}
	}
}
