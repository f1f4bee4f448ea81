// Package persist is the asynchronous persistence engine: a single
// background worker that serialises cache write jobs to disk and performs
// periodic housekeeping to bound the cache footprint.
//
// Jobs for one file execute in submission order because there is exactly one
// worker draining a FIFO queue. After Flush returns, every effect submitted
// before it is on disk.
package persist

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/arcross/internal/log"
)

// Defaults for the housekeeping policy.
const (
	DefaultMaxCacheBytes    = 1 << 30 // 1 GiB
	DefaultMaintenanceEvery = time.Hour
	retainFraction          = 0.8
	defaultQueueDepth       = 1024
)

type jobKind int

const (
	jobWrite jobKind = iota
	jobFlush // sentinel: releases a flush waiter, touches no file
)

// Job is one unit of work for the worker. The payload is owned by the job
// after hand-off; producers must not reuse it.
type Job struct {
	ID     uuid.UUID
	Path   string
	Data   []byte
	Offset int64
	Done   func(ok bool)

	kind jobKind
}

// Options tunes the engine. Zero values select the defaults.
type Options struct {
	MaxCacheBytes    int64
	MaintenanceEvery time.Duration
}

// Engine owns the job queue and the worker goroutine.
type Engine struct {
	dir  string
	opts Options

	jobs chan Job
	quit chan struct{}
	done chan struct{}

	pending   atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64

	closeOnce sync.Once
	log       *log.Logger
}

// NewEngine creates the cache directory, starts the worker, and returns the
// engine. A nil logger falls back to a no-op one.
func NewEngine(dir string, opts Options, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.NewNop()
	}
	if opts.MaxCacheBytes <= 0 {
		opts.MaxCacheBytes = DefaultMaxCacheBytes
	}
	if opts.MaintenanceEvery <= 0 {
		opts.MaintenanceEvery = DefaultMaintenanceEvery
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("cannot create cache directory", log.Path(dir), log.Err(err))
	}

	e := &Engine{
		dir:  dir,
		opts: opts,
		jobs: make(chan Job, defaultQueueDepth),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		log:  logger,
	}
	go e.worker()
	return e
}

// QueueWrite submits an asynchronous write of data at offset within path.
// done, if non-nil, fires on the worker goroutine with the outcome.
func (e *Engine) QueueWrite(path string, data []byte, offset int64, done func(ok bool)) {
	e.pending.Add(1)
	e.jobs <- Job{
		ID:     uuid.New(),
		Path:   path,
		Data:   data,
		Offset: offset,
		Done:   done,
		kind:   jobWrite,
	}
}

// Flush blocks until every job submitted before the call has completed.
// With nothing in flight it returns immediately.
func (e *Engine) Flush() {
	if e.pending.Load() == 0 {
		return
	}

	released := make(chan struct{})
	e.pending.Add(1)
	e.jobs <- Job{
		ID:   uuid.New(),
		Done: func(bool) { close(released) },
		kind: jobFlush,
	}
	<-released
}

// Close flushes outstanding jobs, stops the worker, and waits for it.
// Safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.Flush()
		close(e.quit)
		<-e.done
	})
}

// Stats returns pending, completed and failed job counts.
func (e *Engine) Stats() (pending int64, completed, failed uint64) {
	return e.pending.Load(), e.completed.Load(), e.failed.Load()
}

// ForceMaintenance runs a housekeeping pass on the caller's goroutine.
func (e *Engine) ForceMaintenance() {
	e.maintain()
}

func (e *Engine) worker() {
	defer close(e.done)
	lastMaintenance := time.Now()

	for {
		select {
		case job := <-e.jobs:
			e.process(job)
		case <-e.quit:
			// Drain whatever is still queued, then exit.
			for {
				select {
				case job := <-e.jobs:
					e.process(job)
				default:
					return
				}
			}
		}

		if time.Since(lastMaintenance) > e.opts.MaintenanceEvery {
			e.maintain()
			lastMaintenance = time.Now()
		}
	}
}

func (e *Engine) process(job Job) {
	defer e.pending.Add(-1)

	if job.kind == jobFlush {
		if job.Done != nil {
			job.Done(true)
		}
		return
	}

	err := writeAt(job.Path, job.Data, job.Offset)
	if err != nil {
		e.failed.Add(1)
		e.log.Warn("write job failed",
			zap.String("job", job.ID.String()),
			log.Path(job.Path),
			log.Err(err),
		)
	} else {
		e.completed.Add(1)
		e.log.Debug("write job done",
			zap.String("job", job.ID.String()),
			log.Path(job.Path),
			zap.Int("bytes", len(job.Data)),
			zap.Int64("offset", job.Offset),
		)
	}

	if job.Done != nil {
		job.Done(err == nil)
	}
}

// writeAt writes data at offset, creating parent directories as needed.
// Offset zero truncates; a positive offset updates in place, creating the
// file if absent.
func writeAt(path string, data []byte, offset int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if offset > 0 {
		flags = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteAt(data, offset)
	return err
}

// maintain prunes the cache directory: when the total size of *.cache files
// exceeds the cap, the oldest files by modification time are removed until
// the total drops to 80% of the cap.
func (e *Engine) maintain() {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		e.log.Warn("housekeeping: cannot read cache directory", log.Path(e.dir), log.Err(err))
		return
	}

	type cacheFile struct {
		path    string
		size    int64
		modTime time.Time
	}

	var files []cacheFile
	var total int64
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".cache" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, cacheFile{
			path:    filepath.Join(e.dir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}

	e.log.Debug("housekeeping", zap.Int64("total", total), zap.Int("files", len(files)))

	if total <= e.opts.MaxCacheBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	toFree := total - int64(float64(e.opts.MaxCacheBytes)*retainFraction)
	var freed int64
	for _, f := range files {
		if freed >= toFree {
			break
		}
		if err := os.Remove(f.path); err != nil {
			e.log.Warn("housekeeping: cannot remove cache file", log.Path(f.path), log.Err(err))
			continue
		}
		freed += f.size
		e.log.Info("housekeeping removed cache file", log.Path(f.path), zap.Int64("size", f.size))
	}
}
