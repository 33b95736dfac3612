package supervisor

import (
	"errors"
	"fmt"

	"github.com/john/chatkeep/internal/message"
	"github.com/john/chatkeep/internal/protocol"
)

var (
	// ErrAlreadyFollowed is returned when adding a channel that is already followed on that platform
	ErrAlreadyFollowed = errors.New("channel is already followed")
	// ErrNotFollowed is returned by operations on a channel that is not followed
	ErrNotFollowed = errors.New("channel is not followed")
	// ErrClosed is returned once the supervisor has shut down
	ErrClosed = errors.New("supervisor is closed")
)

// Step is one stage of the add-channel pipeline
type Step int

const (
	StepValidate Step = iota
	StepRegister
	StepCreateClient
	StepOpenStore
	StepWriteMetadata
	StepLoadStats
	StepConnect
)

func (s Step) String() string {
	switch s {
	case StepValidate:
		return "validate"
	case StepRegister:
		return "register"
	case StepCreateClient:
		return "create_client"
	case StepOpenStore:
		return "open_store"
	case StepWriteMetadata:
		return "write_metadata"
	case StepLoadStats:
		return "load_stats"
	case StepConnect:
		return "connect"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// AddError reports which pipeline step failed while adding a channel
type AddError struct {
	Key  message.ChannelKey
	Step Step
	Err  error
}

func (e *AddError) Error() string {
	return fmt.Sprintf("add %s: %s failed: %v", e.Key, e.Step, e.Err)
}

func (e *AddError) Unwrap() error {
	return e.Err
}

// Kept reports whether the channel stayed followed despite the error.
// Only soft failures at the connect step leave the channel registered, offline, with a retry scheduled.
func (e *AddError) Kept() bool {
	return e.Step == StepConnect && protocol.IsSoft(e.Err)
}
