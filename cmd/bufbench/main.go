/*
bufbench drives the shared buffer pool with concurrent workers.

Each worker reads random pages of the benchmark relations and sometimes updates them,
one scanner reads the first relation sequentially through the bulk-read ring,
and the background writer cleans the buffers ahead of the clock hand.
A checkpoint is taken at exit and the statistics are logged.

	bufbench -config bufmgr.yaml -workers 8 -duration 10s
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/HayatoShiba/bufmgr/common"
	"github.com/HayatoShiba/bufmgr/config"
	"github.com/HayatoShiba/bufmgr/storage/buffer"
	"github.com/HayatoShiba/bufmgr/storage/disk"
	"github.com/HayatoShiba/bufmgr/storage/page"
)

type options struct {
	configPath  string
	workers     int
	relations   int
	pages       int
	duration    time.Duration
	updateRatio float64
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to the yaml config file")
	flag.IntVar(&opts.workers, "workers", 4, "number of concurrent workers")
	flag.IntVar(&opts.relations, "relations", 4, "number of relations")
	flag.IntVar(&opts.pages, "pages", 512, "number of pages in each relation")
	flag.DurationVar(&opts.duration, "duration", 5*time.Second, "benchmark duration")
	flag.Float64Var(&opts.updateRatio, "update-ratio", 0.2, "ratio of page updates")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "bufbench: %+v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return errors.Wrap(err, "config.Load failed")
	}
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return errors.Wrap(err, "cfg.NewLogger failed")
	}

	dm, err := disk.NewManager(cfg.Storage.DataDir, cfg.Storage.MaxOpenFiles)
	if err != nil {
		return errors.Wrap(err, "disk.NewManager failed")
	}
	defer dm.Close()

	for i := 0; i < opts.relations; i++ {
		if err := prepareRelation(dm, relationOf(i), opts.pages); err != nil {
			return errors.Wrap(err, "prepareRelation failed")
		}
	}

	m, err := buffer.NewManager(dm, cfg.Buffer, buffer.WithLogger(logger))
	if err != nil {
		return errors.Wrap(err, "buffer.NewManager failed")
	}
	bw, err := buffer.NewBgWriter(m, cfg.BgWriter)
	if err != nil {
		return errors.Wrap(err, "buffer.NewBgWriter failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	var wg sync.WaitGroup
	var ops atomic.Int64
	errCh := make(chan error, opts.workers+1)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	bgDone := make(chan error, 1)
	go func() {
		bgDone <- bw.Run(bgCtx)
	}()

	start := time.Now()
	for i := 0; i < opts.workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			if err := runWorker(ctx, m, cfg, opts, seed, &ops); err != nil {
				errCh <- err
			}
		}(int64(i))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runScanner(ctx, m, logger, opts.pages, &ops); err != nil {
			errCh <- err
		}
	}()
	wg.Wait()
	elapsed := time.Since(start)
	close(errCh)

	bgCancel()
	if err := <-bgDone; err != nil {
		return errors.Wrap(err, "bw.Run failed")
	}
	for err := range errCh {
		logger.Error("bufbench: worker failed", "err", err)
	}

	written, err := m.Checkpoint(buffer.NewWritebackContext(dm, cfg.BgWriter.FlushAfter))
	if err != nil {
		return errors.Wrap(err, "m.Checkpoint failed")
	}

	s := m.Stats()
	hitRatio := 0.0
	if total := s.Hits + s.Reads; total > 0 {
		hitRatio = float64(s.Hits) / float64(total) * 100
	}
	logger.Info("bufbench: done",
		"elapsed", elapsed.Round(time.Millisecond),
		"ops", humanize.Comma(ops.Load()),
		"ops_per_sec", humanize.Comma(int64(float64(ops.Load())/elapsed.Seconds())),
		"hit_ratio", fmt.Sprintf("%.2f%%", hitRatio),
		"read", humanize.IBytes(s.Reads*page.PageSize),
		"written", humanize.IBytes(s.Writes*page.PageSize),
		"evictions", humanize.Comma(int64(s.Evictions)),
		"bgwriter_written", humanize.Comma(bw.Written()),
		"checkpoint_written", written,
		"clock_passes", s.CompletePasses,
		"mapped", s.Mapped,
		"contention_timeouts", s.ContentionTimeouts,
	)
	return nil
}

func relationOf(i int) common.Relation {
	return common.Relation(16384 + i)
}

// prepareRelation extends the relation main fork up to npages
func prepareRelation(dm *disk.Manager, rel common.Relation, npages int) error {
	n, err := dm.NPages(rel, disk.ForkNumberMain)
	if err != nil {
		return errors.Wrap(err, "dm.NPages failed")
	}
	for i := int(n); i < npages; i++ {
		if _, err := dm.ExtendPage(rel, disk.ForkNumberMain); err != nil {
			return errors.Wrap(err, "dm.ExtendPage failed")
		}
	}
	return nil
}

// runWorker reads and updates random pages until ctx is done.
// each worker also keeps a temporary relation in its local buffers
func runWorker(ctx context.Context, m *buffer.Manager, cfg *config.Config, opts options, seed int64, ops *atomic.Int64) error {
	w := m.NewWorker()
	defer w.Close()
	r := rand.New(rand.NewSource(seed))

	// temporary relations of each worker live in its own directory
	dm, err := disk.NewManager(filepath.Join(cfg.Storage.DataDir, "temp", strconv.FormatInt(seed, 10)), cfg.Storage.MaxOpenFiles)
	if err != nil {
		return errors.Wrap(err, "disk.NewManager failed")
	}
	defer dm.Close()
	localBuffers := cfg.Buffer.LocalBuffers
	lp, err := buffer.NewLocalPool(dm, localBuffers, cfg.Buffer.MaxUsageCount)
	if err != nil {
		return errors.Wrap(err, "buffer.NewLocalPool failed")
	}
	tempRel := common.Relation(1 << 30)

	for ctx.Err() == nil {
		rel := relationOf(r.Intn(opts.relations))
		pageID := page.PageID(r.Intn(opts.pages))
		bufID, err := w.ReadBuffer(rel, disk.ForkNumberMain, pageID, nil)
		if err != nil {
			if errors.Is(err, buffer.ErrEvictionExhausted) {
				continue
			}
			return errors.Wrap(err, "w.ReadBuffer failed")
		}
		update := r.Float64() < opts.updateRatio
		m.AcquireContentLock(bufID, update)
		p := m.GetPage(bufID)
		if update {
			p[page.PageSize-1]++
			m.MarkDirty(bufID)
		}
		m.ReleaseContentLock(bufID, update)
		m.Unpin(bufID, false)
		ops.Add(1)

		// temporary relation grows until local buffers are full, then is dropped
		if r.Intn(16) == 0 {
			localID, err := lp.ReadBuffer(tempRel, disk.ForkNumberMain, page.NewPageID)
			if err != nil {
				return errors.Wrap(err, "lp.ReadBuffer failed")
			}
			lp.Unpin(localID, true)
			n, err := dm.NPages(tempRel, disk.ForkNumberMain)
			if err != nil {
				return errors.Wrap(err, "dm.NPages failed")
			}
			if int(n) >= localBuffers {
				if err := lp.DropRelation(tempRel); err != nil {
					return errors.Wrap(err, "lp.DropRelation failed")
				}
				tempRel++
			}
		}
	}
	return nil
}

// runScanner reads the first relation sequentially with bulk-read ring until ctx is done.
// every pass sums the update counters of the pages, which only grows while workers are running
func runScanner(ctx context.Context, m *buffer.Manager, logger *slog.Logger, npages int, ops *atomic.Int64) error {
	w := m.NewWorker()
	defer w.Close()
	as := m.NewAccessStrategy(buffer.AccessBulkRead)
	rel := relationOf(0)
	for pass := 1; ctx.Err() == nil; pass++ {
		var sum uint64
		for i := 0; i < npages && ctx.Err() == nil; i++ {
			bufID, err := w.ReadBuffer(rel, disk.ForkNumberMain, page.PageID(i), as)
			if err != nil {
				if errors.Is(err, buffer.ErrEvictionExhausted) {
					continue
				}
				return errors.Wrap(err, "w.ReadBuffer failed")
			}
			m.AcquireContentLock(bufID, false)
			sum += uint64(m.GetPage(bufID)[page.PageSize-1])
			m.ReleaseContentLock(bufID, false)
			m.Unpin(bufID, false)
			ops.Add(1)
		}
		logger.Debug("bufbench: scan pass completed", "pass", pass, "counters", sum)
	}
	return nil
}
