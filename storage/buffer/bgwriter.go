/*
Dirty pages have to be written out to disk before evicted.
If disk IO happens when page is read, it is not good in terms of performance.
So background writing is introduced.
Background writer periodically writes out the dirty buffers which will be the victim soon
(ahead of the clock hand, not pinned and not recently used), so that the workers find clean victims.

The number of buffers to clean in each round is estimated from the recent allocations
reported by the clock sweep (strategyControl.syncStart).
When nothing is allocated for a while, background writer hibernates until the next allocation notifies it.

Background writer never claims the victim. It only pins the buffer briefly to write it out,
so it never competes with the worker which evicts the same buffer.

for parameters defined in postgres, see 20.4.5 in the link below.
https://www.postgresql.org/docs/current/runtime-config-resource.html#RUNTIME-CONFIG-RESOURCE-BACKGROUND-WRITER
*/
package buffer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const (
	// hibernateFactor multiplies delay while hibernating (HIBERNATE_FACTOR)
	hibernateFactor = 50
	// smoothingSamples is the number of rounds the estimates are smoothed over
	smoothingSamples = 16
	// scanWholePool is the time in which the whole pool should be scanned at least
	scanWholePool = 2 * time.Minute
)

// BgWriter is background writer
type BgWriter struct {
	m      *Manager
	cfg    BgWriterConfig
	wb     *WritebackContext
	wakeup chan struct{}

	// the state saved between rounds
	savedInfoValid  bool
	prevStrategyBuf BufferID
	prevPasses      uint32
	nextToClean     BufferID
	nextPasses      uint32
	smoothedAlloc   float64
	smoothedDensity float64

	// written is the number of buffers written by this writer
	written atomic.Int64
}

// NewBgWriter initializes background writer
func NewBgWriter(m *Manager, cfg BgWriterConfig) (*BgWriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "cfg.Validate failed")
	}
	return &BgWriter{
		m:               m,
		cfg:             cfg,
		wb:              NewWritebackContext(m.smgr, cfg.FlushAfter),
		wakeup:          make(chan struct{}, 1),
		smoothedDensity: 10.0,
	}, nil
}

// Run runs background writer until ctx is done
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/postmaster/bgwriter.c#L228
func (bw *BgWriter) Run(ctx context.Context) error {
	logger := bw.m.logger
	logger.Info("buffer: background writer started", "delay", bw.cfg.Delay, "max_pages", bw.cfg.MaxPages)
	defer func() {
		if err := bw.wb.Flush(); err != nil {
			logger.Warn("buffer: background writer writeback failed", "err", err)
		}
		logger.Info("buffer: background writer stopped", "written", bw.written.Load())
	}()

	for {
		canHibernate, err := bw.bufferSync()
		if err != nil {
			// the page stays dirty and will be written by eviction or checkpoint
			logger.Warn("buffer: background writer round failed", "err", err)
		}

		timer := time.NewTimer(bw.cfg.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if !canHibernate {
			continue
		}

		// nothing happened. sleep longer until the next allocation wakes me up
		bw.m.sc.notifyBgWriter(bw.wakeup)
		timer = time.NewTimer(bw.cfg.Delay * hibernateFactor)
		select {
		case <-ctx.Done():
			timer.Stop()
			bw.m.sc.notifyBgWriter(nil)
			return nil
		case <-bw.wakeup:
			timer.Stop()
		case <-timer.C:
		}
		bw.m.sc.notifyBgWriter(nil)
	}
}

// bufferSync writes out some dirty buffers ahead of the clock hand.
// true is returned when background writer can hibernate (nothing to do and no allocation)
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L2224
func (bw *BgWriter) bufferSync() (bool, error) {
	nbuffers := bw.m.pool.size()
	strategyBuf, strategyPasses, recentAlloc := bw.m.sc.syncStart()

	// background writer is disabled. forget the saved state
	if bw.cfg.MaxPages <= 0 {
		bw.savedInfoValid = false
		return true, nil
	}

	// compute how far the scan point is ahead of the clock hand
	var strategyDelta int
	var bufsToLap int
	if bw.savedInfoValid {
		passesDelta := int(strategyPasses - bw.prevPasses)
		strategyDelta = int(strategyBuf-bw.prevStrategyBuf) + passesDelta*nbuffers
		switch {
		case int32(bw.nextPasses-strategyPasses) > 0:
			// one pass ahead of the clock hand
			bufsToLap = int(strategyBuf - bw.nextToClean)
		case bw.nextPasses == strategyPasses && bw.nextToClean >= strategyBuf:
			// on the same pass, but ahead or at least not behind
			bufsToLap = nbuffers - int(bw.nextToClean-strategyBuf)
		default:
			// behind, so skip forward to the clock hand
			bw.nextToClean = strategyBuf
			bw.nextPasses = strategyPasses
			bufsToLap = nbuffers
		}
	} else {
		bw.nextToClean = strategyBuf
		bw.nextPasses = strategyPasses
		bufsToLap = nbuffers
	}
	bw.prevStrategyBuf = strategyBuf
	bw.prevPasses = strategyPasses
	bw.savedInfoValid = true

	// how many buffers the clock hand scans for one allocation
	if strategyDelta > 0 && recentAlloc > 0 {
		scansPerAlloc := float64(strategyDelta) / float64(recentAlloc)
		bw.smoothedDensity += (scansPerAlloc - bw.smoothedDensity) / smoothingSamples
	}
	bufsAhead := nbuffers - bufsToLap
	reusableEst := float64(bufsAhead) / bw.smoothedDensity

	// the allocation rises quickly and falls slowly
	if bw.smoothedAlloc <= float64(recentAlloc) {
		bw.smoothedAlloc = float64(recentAlloc)
	} else {
		bw.smoothedAlloc += (float64(recentAlloc) - bw.smoothedAlloc) / smoothingSamples
	}
	upcomingAllocEst := bw.smoothedAlloc * bw.cfg.LRUMultiplier

	// scan the whole pool at least once in scanWholePool even when idle
	minScan := float64(nbuffers) * float64(bw.cfg.Delay) / float64(scanWholePool)
	if upcomingAllocEst < minScan+reusableEst {
		upcomingAllocEst = minScan + reusableEst
	}

	numToScan := bufsToLap
	numWritten := 0
	reusable := reusableEst
	for numToScan > 0 && reusable < upcomingAllocEst {
		result, err := bw.m.syncOneBuffer(bw.nextToClean, true, bw.wb)
		bw.nextToClean++
		if int(bw.nextToClean) >= nbuffers {
			bw.nextToClean = FirstBufferID
			bw.nextPasses++
		}
		numToScan--
		if err != nil {
			return false, errors.Wrap(err, "syncOneBuffer failed")
		}
		if result&syncWritten != 0 {
			reusable++
			numWritten++
			bw.written.Add(1)
			if numWritten >= bw.cfg.MaxPages {
				break
			}
		} else if result&syncReusable != 0 {
			reusable++
		}
	}
	bw.m.logger.Debug("buffer: background writer round",
		"recent_alloc", recentAlloc,
		"upcoming_est", upcomingAllocEst,
		"written", numWritten,
	)
	return bufsToLap == 0 && recentAlloc == 0, nil
}

// Written returns the number of buffers written by this writer
func (bw *BgWriter) Written() int64 {
	return bw.written.Load()
}

// syncResult is the result of syncOneBuffer
type syncResult int

const (
	// syncWritten indicates the buffer is written
	syncWritten syncResult = 1 << iota
	// syncReusable indicates the buffer is the candidate of the next victim (ref count and usage count is 0)
	syncReusable
)

// syncOneBuffer writes the buffer out if it is dirty. this is called by checkpoint and background writer
// if skipRecentlyUsed is true, the buffer pinned or used recently is skipped.
// the written tag is scheduled for writeback
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L2528
func (m *Manager) syncOneBuffer(bufID BufferID, skipRecentlyUsed bool, wb *WritebackContext) (syncResult, error) {
	var result syncResult
	desc := m.pool.descriptor(bufID)
	st := desc.lockHeader()
	if st.refCount() == 0 && st.usageCount() == 0 {
		result |= syncReusable
	} else if skipRecentlyUsed {
		// the buffer will not be the victim soon
		desc.unlockHeader(st)
		return result, nil
	}
	if !st.has(flagValid) || !st.has(flagDirty) {
		// if the buffer is not dirty, don't have to do anything
		desc.unlockHeader(st)
		return result, nil
	}

	// when flushBuffer is called, the caller has to hold pin and shared content lock
	// here, pin() cannot be called because of holding header lock
	desc.pinLocked(st)
	desc.contentLock.RLock()
	err := m.flushBuffer(bufID)
	desc.contentLock.RUnlock()
	t := desc.tag
	m.unpinBuffer(desc)
	if err != nil {
		return result, errors.Wrap(err, "flushBuffer failed")
	}
	if err := wb.Schedule(t); err != nil {
		m.logger.Warn("buffer: writeback failed", "err", err)
	}
	return result | syncWritten, nil
}

