package blocksync

import (
	"errors"
	"fmt"
)

var (
	// ErrLinkageMismatch is returned when a block does not extend the block
	// below it: wrong height, wrong previous hash or unexpected hash.
	ErrLinkageMismatch = errors.New("block linkage mismatch")

	// ErrGenesisMismatch is returned when walking back reaches height 0
	// without finding a common ancestor with the source.
	ErrGenesisMismatch = errors.New("genesis block does not match source")

	// ErrRunInProgress is returned when a run is requested while another one
	// is active.
	ErrRunInProgress = errors.New("sync run already in progress")

	// ErrSuperseded aborts a run that a newer block announcement replaces.
	ErrSuperseded = errors.New("sync run superseded by new block")

	// ErrNotRunning is returned when a run is requested before the engine
	// has been started.
	ErrNotRunning = errors.New("sync engine is not running")
)

// ErrInvalidLink is returned when the block at Height fails linkage checks.
// It matches ErrLinkageMismatch.
type ErrInvalidLink struct {
	Height int64
	Reason error
}

func (e ErrInvalidLink) Error() string {
	return fmt.Sprintf("invalid block at height %d: %v", e.Height, e.Reason)
}

func (e ErrInvalidLink) Is(target error) bool { return target == ErrLinkageMismatch }

func (e ErrInvalidLink) Unwrap() error { return e.Reason }
