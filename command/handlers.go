package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-pairing/scratch"
)

type ScratchSweeper interface {
	Sweep(ctx context.Context, options scratch.SweepOptions) ([]string, error)
}

type ScratchRemover interface {
	Remove(path string) error
}

type SweepScratchCommand struct {
	sweeper ScratchSweeper
}

func NewSweepScratchCommand(sweeper ScratchSweeper) *SweepScratchCommand {
	return &SweepScratchCommand{sweeper: sweeper}
}

// Execute removes stale session directories. Directories removed before a
// failure are still reported through the result collector.
func (c *SweepScratchCommand) Execute(ctx context.Context, msg SweepScratchMessage) error {
	if c == nil || c.sweeper == nil {
		return commandDependencyError("command: scratch sweeper is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	removed, err := c.sweeper.Sweep(ctx, scratch.SweepOptions{
		OlderThan: msg.OlderThan,
		Prefix:    msg.Prefix,
		Now:       msg.Now,
	})
	storeResult(ctx, SweepResult{Removed: removed})
	return err
}

type RemoveScratchCommand struct {
	remover ScratchRemover
}

func NewRemoveScratchCommand(remover ScratchRemover) *RemoveScratchCommand {
	return &RemoveScratchCommand{remover: remover}
}

func (c *RemoveScratchCommand) Execute(_ context.Context, msg RemoveScratchMessage) error {
	if c == nil || c.remover == nil {
		return commandDependencyError("command: scratch remover is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.remover.Remove(msg.Path)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
