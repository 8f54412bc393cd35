package eventbus

import "time"

const (
	TaskQueued    = "task.queued"
	TaskStarted   = "task.started"
	TaskSucceeded = "task.succeeded"
	TaskFailed    = "task.failed"
	TaskSkipped   = "task.skipped"
	TaskDropped   = "task.dropped"

	SinkDelivered = "sink.delivered"
	SinkFailed    = "sink.failed"

	ScheduleUpdated  = "schedule.updated"
	ScheduleRollover = "schedule.rollover"

	UploadAccepted = "upload.accepted"
	UploadRejected = "upload.rejected"

	ConfigReloaded = "config.reloaded"
)

// TaskInfo is the payload of task.* events.
type TaskInfo struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Delivery is the payload of sink.* events.
type Delivery struct {
	Sink     string        `json:"sink"`
	Title    string        `json:"title,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// ScheduleChange is the payload of schedule.* events.
type ScheduleChange struct {
	Source  string `json:"source"`
	Entries int    `json:"entries"`
}

// Upload is the payload of upload.* events.
type Upload struct {
	ID       string `json:"id"`
	Flow     string `json:"flow"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Reason   string `json:"reason,omitempty"`
}
