package core

type Status string

const (
	StatusPending    Status = "pending"
	StatusCodeIssued Status = "code_issued"
	StatusConnected  Status = "connected"
	StatusUploading  Status = "uploading"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
	StatusAborted    Status = "aborted"
)

var statusRank = map[Status]int{
	StatusPending:    0,
	StatusCodeIssued: 1,
	StatusConnected:  2,
	StatusUploading:  3,
	StatusSucceeded:  4,
	StatusFailed:     4,
	StatusTimedOut:   4,
	StatusAborted:    4,
}

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusAborted:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// canAdvance reports whether a non-terminal forward move from s to next is
// allowed.
func (s Status) canAdvance(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusCodeIssued
	case StatusCodeIssued:
		return next == StatusConnected
	case StatusConnected:
		return next == StatusUploading
	default:
		return false
	}
}

// Trigger names the signal source that drove a terminal transition.
type Trigger string

const (
	TriggerConnectionClosed Trigger = "connection_closed"
	TriggerWatchdog         Trigger = "watchdog"
	TriggerClientGone       Trigger = "client_gone"
	TriggerUpload           Trigger = "upload"
	TriggerRegistered       Trigger = "registered"
	TriggerSetup            Trigger = "setup"
	TriggerPrecondition     Trigger = "precondition"
	TriggerShutdown         Trigger = "shutdown"
)

var triggerSources = map[Trigger][]Status{
	TriggerConnectionClosed: {StatusPending, StatusCodeIssued, StatusConnected},
	TriggerWatchdog:         {StatusPending, StatusCodeIssued, StatusConnected},
	TriggerClientGone:       {StatusPending, StatusCodeIssued, StatusConnected, StatusUploading},
	TriggerUpload:           {StatusUploading},
	TriggerRegistered:       {StatusCodeIssued},
	TriggerSetup:            {StatusPending, StatusCodeIssued},
	TriggerPrecondition:     {StatusConnected},
	TriggerShutdown:         {StatusPending, StatusCodeIssued, StatusConnected, StatusUploading},
}

// Allows reports whether the trigger may fire a terminal transition while
// the session is in from.
func (t Trigger) Allows(from Status) bool {
	for _, status := range triggerSources[t] {
		if status == from {
			return true
		}
	}
	return false
}

// Target is the terminal status the trigger drives to. Only upload and
// registered triggers can succeed, and only when failed is false.
func (t Trigger) Target(failed bool) Status {
	switch t {
	case TriggerWatchdog:
		return StatusTimedOut
	case TriggerClientGone:
		return StatusAborted
	case TriggerUpload, TriggerRegistered:
		if failed {
			return StatusFailed
		}
		return StatusSucceeded
	default:
		return StatusFailed
	}
}
