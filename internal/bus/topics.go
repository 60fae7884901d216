package bus

// Task lifecycle topics. Subscribing to the "task." prefix receives all of them.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskCompleted    = "task.completed"
	TopicTaskStateChanged = "task.state_changed"
)

// Configuration topic, published by the daemon after a successful reload.
const TopicConfigReloaded = "config.reloaded"

// TaskCreatedEvent is published after a task row is committed.
// Scheduled tasks are left to the interval tick.
type TaskCreatedEvent struct {
	TaskID    string `json:"task_id"`
	Type      string `json:"type"`
	Scheduled bool   `json:"scheduled"`
}

// TaskCompletedEvent is published after an execution has been recorded.
type TaskCompletedEvent struct {
	TaskID        string `json:"task_id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	Status        string `json:"status"` // "success" or "failed"
	Output        string `json:"output"`
	DurationMS    int64  `json:"duration_ms"`
	OriginChannel string `json:"origin_channel"`
	OriginChatID  string `json:"origin_chat_id"`
}

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID    string `json:"task_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// ConfigReloadedEvent carries the fingerprint of the newly applied config.
type ConfigReloadedEvent struct {
	Fingerprint string `json:"fingerprint"`
}
