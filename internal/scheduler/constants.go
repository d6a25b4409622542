package scheduler

import "time"

var commandSubjects = []string{"task.*", "schedule.*", "worker.*"}

const (
	commandStreamName     = "POSTPILOT_COMMANDS"
	taskSubmitSubject     = "task.submit"
	scheduleAddSubject    = "schedule.add"
	scheduleRemoveSubject = "schedule.remove"

	workerPauseSubject    = "worker.pause"
	workerResumeSubject   = "worker.resume"
	workerStopSubject     = "worker.stop"
	workerViewModeSubject = "worker.view_mode"

	streamMaxAge  = 24 * time.Hour
	streamMaxMsgs = -1

	operationTimeout = 30 * time.Second

	// graceful stops may block for the manager's grace timeout before the ack
	commandAckWait = 2 * time.Minute
)
