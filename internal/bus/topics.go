package bus

// Run lifecycle topics.
const (
	TopicRunStarted       = "run.started"
	TopicRunCompleted     = "run.completed"
	TopicRunFailed        = "run.failed"
	TopicRunRetrying      = "run.retrying"
	TopicRunForceResolved = "run.force_resolved"
)

// Message topics.
const (
	TopicMessageCreated   = "message.created"
	TopicMessageProcessed = "message.processed"
)

// RunEvent is published on every run state change.
type RunEvent struct {
	RunID   string // Run ID assigned at processing start
	QueueID string // Queue entry ID
	Kind    string // "chat" or "cron"
	Channel string // Channel name, empty for cron
	Status  string // New status
	Error   string // Error text for failed runs
}

// RetryEvent is published when a chat run is retried against an unchanged
// message set.
type RetryEvent struct {
	Channel string
	Attempt int
	Delay   string // backoff delay applied before this attempt
	Error   string
}

// ForceResolveEvent is published when the scheduler gives up on a message set,
// either after retry exhaustion or when the success-loop breaker fires.
type ForceResolveEvent struct {
	Channel    string
	Reason     string // "retries_exhausted" or "success_loop"
	MessageIDs []string
}

// MessageEvent is published when a message is appended to a conversation log.
type MessageEvent struct {
	MessageID string
	Channel   string
	Origin    string // "human" or "agent"
	Text      string
}
