package buffer

import (
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"
)

// spin delay parameters
// postgres spins some times, then sleeps with growing random delay, and
// reports stuck spin lock when the total delay exceeds about one minute.
// the buffer header lock is held only for a few field updates, so a second is already abnormal here.
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/lmgr/s_lock.c#L132
const (
	spinsPerDelay   = 100
	minDelay        = 10 * time.Microsecond
	maxDelay        = time.Millisecond
	stuckSpinBudget = time.Second
)

// contentionReporter counts and logs the header spin locks held longer than stuckSpinBudget.
// each pool has its own reporter
type contentionReporter struct {
	timeouts atomic.Uint64
	// logger is set before the pool is shared. nil means slog.Default()
	logger *slog.Logger
}

// report records one stuck spin lock
func (cr *contentionReporter) report(bufID BufferID, waited time.Duration) {
	logger := slog.Default()
	if cr != nil {
		cr.timeouts.Add(1)
		if cr.logger != nil {
			logger = cr.logger
		}
	}
	logger.Warn("buffer: header spin lock contention",
		"buffer", bufID,
		"waited", waited,
		"err", ErrContentionTimeout,
	)
}

// spinDelay is the state of one spin-wait
type spinDelay struct {
	id       BufferID
	reporter *contentionReporter
	spins    int
	delay    time.Duration
	waited   time.Duration
	reported bool
}

// perform is called in every iteration of spin loop
func (sd *spinDelay) perform() {
	sd.spins++
	if sd.spins < spinsPerDelay {
		// re-scheduling of goroutine may be controversial because the lock is expected to be released soon
		// but without yield, the holder may not be scheduled on GOMAXPROCS=1
		runtime.Gosched()
		return
	}
	sd.spins = 0
	if sd.delay == 0 {
		sd.delay = minDelay
	}
	time.Sleep(sd.delay)
	sd.waited += sd.delay
	sd.delay *= 2
	if sd.delay > maxDelay {
		sd.delay = maxDelay
	}
	if sd.waited >= stuckSpinBudget && !sd.reported {
		// the spin is still safe to continue, so just report it
		sd.reported = true
		sd.reporter.report(sd.id, sd.waited)
	}
}
