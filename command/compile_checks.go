package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[SweepScratchMessage]  = (*SweepScratchCommand)(nil)
	_ gocmd.Commander[RemoveScratchMessage] = (*RemoveScratchCommand)(nil)
)
