package browser

import (
	"context"
	"os/exec"
	"time"

	"github.com/neboloop/signon/internal/sites"
)

// Slot is the fixed identity of one pool position.
type Slot struct {
	ProfileID   string
	ControlPort int
	DataDir     string
}

// Instance is a launched browser bound to a slot's control port.
type Instance struct {
	Slot      Slot
	PID       int
	CDPURL    string
	StartedAt time.Time

	// Handle carries launcher-private state.
	Handle any

	cmd    *exec.Cmd
	exited chan struct{}
}

// Launcher starts and stops browser processes for pool slots. Every Launch
// must start from an empty user data dir.
type Launcher interface {
	Launch(ctx context.Context, slot Slot) (*Instance, error)
	Stop(inst *Instance) error
	Alive(inst *Instance) bool
}

// Page is an automation session on one browser tab.
type Page interface {
	sites.Probe

	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	WaitVisible(ctx context.Context, selector string) error
	Press(ctx context.Context, selector, key string) error

	// ClearState drops cookies and storage for the session.
	ClearState(ctx context.Context) error
	Close() error
}

// Driver attaches an automation session to a running instance.
type Driver interface {
	Open(ctx context.Context, inst *Instance) (Page, error)
}
