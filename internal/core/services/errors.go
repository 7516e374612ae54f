package services

import "errors"

// Scheduler errors
var (
	ErrSchedulerRunning = errors.New("scheduler: already running")
	ErrSchedulerStopped = errors.New("scheduler: not running")
)
