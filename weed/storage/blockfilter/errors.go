package blockfilter

import (
	"errors"
	"fmt"

	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/session"
)

var (
	// ErrRedo means the operation did not complete and must be attempted
	// again after the channels are reconciled. It never reaches a Router
	// client; Start returns it for an attach worth retrying.
	ErrRedo = errors.New("blockfilter: redo operation")

	ErrIO               = errors.New("blockfilter: I/O error")
	ErrTryAgain         = errors.New("blockfilter: try again")
	ErrInvalid          = errors.New("blockfilter: invalid request")
	ErrGeometryMismatch = errors.New("blockfilter: geometry mismatch")
	ErrChecksum         = errors.New("blockfilter: checksum mismatch")
	ErrTimeout          = errors.New("blockfilter: reply timeout")
	ErrNoDevice         = errors.New("blockfilter: no such device")
	ErrClosed           = errors.New("blockfilter: engine closed")
)

// FatalError ends a client operation after recovery on a channel was exhausted.
type FatalError struct {
	Channel string
	Err     error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("blockfilter: channel %s failed: %v", e.Channel, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// fatalCode picks the code surfaced for an exhausted channel. A "try again"
// code would invite the client to loop on a channel that is gone.
func fatalCode(err error) error {
	if err == nil || errors.Is(err, ErrTryAgain) || errors.Is(err, session.ErrTryAgain) {
		return ErrIO
	}
	return err
}

// statusCode is the short code used for metric labels.
func statusCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrNoDevice):
		return "nodev"
	case errors.Is(err, ErrChecksum):
		return "checksum"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrClosed):
		return "closed"
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return "fatal"
	}
	return "error"
}
