package supervisor

import (
	"context"
	"errors"

	"github.com/cuemby/kioskd/pkg/types"
)

// ErrUnknownHandle is returned for a handle the fabric did not issue or has
// already released
var ErrUnknownHandle = errors.New("unknown process handle")

// Handle identifies one process started by a Fabric
type Handle string

// Spec describes the process to launch
type Spec struct {
	Name    string
	Command []string // argv, the entry file included
	Dir     string
	Env     map[string]string

	// Stdout and Stderr are sink files, opened in append mode
	Stdout string
	Stderr string
}

// Fabric launches processes and carries their messages back to the agent
type Fabric interface {
	// Start launches spec and returns once the process has been spawned
	Start(ctx context.Context, spec Spec) (Handle, error)

	// Subscribe delivers every message of the process to fn. Messages sent
	// before Subscribe are held and delivered on subscription.
	Subscribe(h Handle, fn func(types.CrashPacket)) error

	// Stop terminates the process and releases its resources. It blocks until
	// teardown is complete. Stopping a process that already exited is not an
	// error.
	Stop(ctx context.Context, h Handle) error

	// Close stops every remaining process
	Close() error
}
