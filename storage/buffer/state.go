package buffer

/*
state is the value of state field in buffer descriptor.
state is uint32 and consists of ref count, usage count, flags which indicates buffer state.
- 18 bits: reference count
- 4 bits: usage count
- 10 bits: flags

ref count, usage count and flags are combined into one field uint32
so that all information can be updated atomic at once without holding any lock (with cas operation).
bit manipulation is closed in this file. the other files use the accessors below.

see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/buf_internals.h#L30-L67
*/
type state uint32

const (
	refCountOne  uint32 = 1
	refCountMask uint32 = (1 << 18) - 1

	usageCountShift        = 18
	usageCountOne   uint32 = 1 << usageCountShift
	usageCountMask  uint32 = 0xF << usageCountShift

	flagMask uint32 = 0xFFC00000

	// MaxRefCount is the max number of pins the state can hold
	MaxRefCount = int(refCountMask)
	// MaxUsageCountLimit is the max usage count the state can hold (4 bits)
	MaxUsageCountLimit = 15
	// DefaultMaxUsageCount is BM_MAX_USAGE_COUNT in postgres
	// a large value would approximate lru, but it can take as many as max usage count + 1
	// complete cycles of clock sweep to find a free buffer
	DefaultMaxUsageCount = 5
)

// flag is one bit of flags in state
type flag uint32

// flags in state field
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/buf_internals.h#L58-L67
const (
	// flagLocked indicates buffer header is locked
	flagLocked flag = 1 << 22
	// flagDirty indicates buffer is dirty (data needs writing)
	flagDirty flag = 1 << 23
	// flagValid indicates buffer content is valid
	flagValid flag = 1 << 24
	// flagTagValid indicates tag is assigned, which means there is buffer table entry for the tag
	flagTagValid flag = 1 << 25
	// flagIOInProgress indicates the io is in progress for the buffer
	// this is kind of lock for disk io
	// see https://github.com/postgres/postgres/blob/d87251048a0f293ad20cc1fe26ce9f542de105e6/src/backend/storage/buffer/README#L148-L152
	flagIOInProgress flag = 1 << 26
	// flagIOError indicates previous io failed
	flagIOError flag = 1 << 27
	// flagJustDirtied indicates buffer is dirtied since write started
	flagJustDirtied flag = 1 << 28
	// flagPinCountWaiter indicates there is waiter for sole pin
	flagPinCountWaiter flag = 1 << 29
	// flagCheckpointNeeded indicates buffer must be written for checkpoint
	flagCheckpointNeeded flag = 1 << 30
	// flagPermanent indicates permanent buffer (not unlogged)
	flagPermanent flag = 1 << 31
)

// refCount returns reference count
func (s state) refCount() uint32 {
	return uint32(s) & refCountMask
}

// usageCount returns usage count
func (s state) usageCount() uint32 {
	return (uint32(s) & usageCountMask) >> usageCountShift
}

// has checks whether all of flags are set
func (s state) has(f flag) bool {
	return uint32(s)&uint32(f) == uint32(f)
}

// hasAny checks whether any of flags is set
func (s state) hasAny(f flag) bool {
	return uint32(s)&uint32(f) != 0
}

// set returns the state with flags turned on
func (s state) set(f flag) state {
	return state(uint32(s) | uint32(f))
}

// clear returns the state with flags turned off
func (s state) clear(f flag) state {
	return state(uint32(s) &^ uint32(f))
}

// incRef returns the state with reference count incremented
// the caller is responsible for not exceeding MaxRefCount
func (s state) incRef() state {
	if s.refCount() == refCountMask {
		protocolViolation("buffer reference count overflow")
	}
	return state(uint32(s) + refCountOne)
}

// decRef returns the state with reference count decremented
// decrementing zero reference count is protocol violation, never wrapped around
func (s state) decRef() state {
	if s.refCount() == 0 {
		protocolViolation("buffer reference count underflow")
	}
	return state(uint32(s) - refCountOne)
}

// incUsage returns the state with usage count incremented.
// usage count saturates at max rather than overflowing into flag bits
func (s state) incUsage(max uint32) state {
	if s.usageCount() >= max {
		return s
	}
	return state(uint32(s) + usageCountOne)
}

// decUsage returns the state with usage count decremented. zero stays zero
func (s state) decUsage() state {
	if s.usageCount() == 0 {
		return s
	}
	return state(uint32(s) - usageCountOne)
}

// withUsage returns the state with usage count replaced
func (s state) withUsage(usage uint32) state {
	if usage > MaxUsageCountLimit {
		usage = MaxUsageCountLimit
	}
	return state(uint32(s)&^usageCountMask | usage<<usageCountShift)
}

// flags returns only the flags part of state
func (s state) flags() state {
	return state(uint32(s) & flagMask)
}
