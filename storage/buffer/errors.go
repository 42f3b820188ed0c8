package buffer

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrEvictionExhausted is returned when clock sweep inspected all buffers and all of them are pinned
	ErrEvictionExhausted = errors.New("no unpinned buffers available")
	// ErrIOFailure is returned when the storage failed to read/write the page
	ErrIOFailure = errors.New("buffer io failed")
	// ErrAlreadyPresent is returned when the tag has already been inserted into buffer table by other goroutine
	ErrAlreadyPresent = errors.New("buffer tag already present in buffer table")
	// ErrContentionTimeout is reported (not returned) when buffer header spin lock is held too long
	ErrContentionTimeout = errors.New("buffer header spin lock stuck")
	// ErrBufferPinned is returned when the buffer to be invalidated is still pinned
	ErrBufferPinned = errors.New("buffer is pinned")
	// ErrWaitCancelled is returned when waiting for sole pin is abandoned
	ErrWaitCancelled = errors.New("wait for buffer pin count cancelled")
)

// ProtocolViolation is the breach of buffer access protocol by the caller.
// continuing after the violation risks silent data corruption,
// so this is panicked instead of returned (elog(PANIC) or elog(ERROR) in postgres)
type ProtocolViolation struct {
	msg string
}

// Error returns the message
func (pv *ProtocolViolation) Error() string {
	return "buffer protocol violation: " + pv.msg
}

// protocolViolation panics with ProtocolViolation
func protocolViolation(format string, args ...interface{}) {
	panic(&ProtocolViolation{msg: fmt.Sprintf(format, args...)})
}
