package command

import (
	"strings"
	"time"
)

const (
	TypeSweepScratch  = "pairing.command.scratch.sweep"
	TypeRemoveScratch = "pairing.command.scratch.remove"
)

type SweepScratchMessage struct {
	OlderThan time.Duration
	Prefix    string
	Now       time.Time
}

func (SweepScratchMessage) Type() string { return TypeSweepScratch }

func (m SweepScratchMessage) Validate() error {
	if m.OlderThan < 0 {
		return commandValidationError("older_than", "must be >= 0")
	}
	if strings.ContainsAny(m.Prefix, `/\`) {
		return commandValidationError("prefix", "must not contain path separators")
	}
	return nil
}

type RemoveScratchMessage struct {
	SessionID string
	Path      string
}

func (RemoveScratchMessage) Type() string { return TypeRemoveScratch }

func (m RemoveScratchMessage) Validate() error {
	if strings.TrimSpace(m.Path) == "" {
		return commandValidationError("path", "is required")
	}
	return nil
}

// SweepResult lists the directories a sweep removed.
type SweepResult struct {
	Removed []string
}
