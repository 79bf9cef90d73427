package browser

import (
	"context"
	"fmt"
	"time"
)

// ExternalLauncher is used when worker agents own the browser processes.
// The pool keeps slot bookkeeping only; the agent launches a wiped browser
// on the slot's port for every run and tears it down afterwards.
type ExternalLauncher struct{}

func (ExternalLauncher) Launch(ctx context.Context, slot Slot) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Instance{
		Slot:      slot,
		CDPURL:    fmt.Sprintf("http://127.0.0.1:%d", slot.ControlPort),
		StartedAt: time.Now(),
	}, nil
}

func (ExternalLauncher) Stop(*Instance) error { return nil }

func (ExternalLauncher) Alive(*Instance) bool { return true }
