package main

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"netaudit/binary"
	"netaudit/database"
	"netaudit/detect"
	"netaudit/event"
)

// Recorder is the log sink handed to the classifier. Store never blocks a
// hook invocation: records go through a buffered channel and are dropped
// when the buffer is full. The background goroutine enriches each record
// with the executable hash, persists it, and runs detection.
//
// Store stays safe during and after Close; the channel is never closed on
// the producer side, so a hook firing that races teardown is counted as
// dropped instead of panicking.
type Recorder struct {
	ch      chan *event.Record
	quit    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	dropped atomic.Uint64

	db   *database.DB
	bins *binary.Cache
	det  *detect.Engine // nil when no rules directory is configured
	log  *zap.Logger
}

func NewRecorder(db *database.DB, bins *binary.Cache, det *detect.Engine, log *zap.Logger, buffer int) *Recorder {
	r := &Recorder{
		ch:   make(chan *event.Record, buffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		db:   db,
		bins: bins,
		det:  det,
		log:  log,
	}
	go r.run()
	return r
}

// Store implements event.Sink.
func (r *Recorder) Store(rec *event.Record) {
	if r.closed.Load() {
		r.dropped.Add(1)
		return
	}
	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports how many records were lost to a full buffer.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case rec := <-r.ch:
			r.process(rec)
		case <-r.quit:
			// drain whatever was buffered before the quit signal
			for {
				select {
				case rec := <-r.ch:
					r.process(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) process(rec *event.Record) {
	var hash string
	if r.bins != nil && rec.ExePath != "" {
		h, err := r.bins.Hash(rec.ExePath)
		if err == nil {
			hash = h
		}
	}

	id, err := r.db.InsertEvent(rec, hash)
	if err != nil {
		r.log.Warn("failed to store audit record", zap.Error(err))
		return
	}

	if r.det == nil {
		return
	}
	for _, m := range r.det.Check(context.Background(), rec) {
		if err := r.db.InsertSigmaMatch(id, m.RuleID, m.RuleName, m.Details); err != nil {
			r.log.Warn("failed to store detection match", zap.Error(err))
		}
		r.log.Info("detection match",
			zap.String("rule", m.RuleName),
			zap.String("exe", rec.ExePath),
			zap.String("action", rec.Action.String()))
	}
}

// Close drains and stops the pipeline. Safe to call more than once.
func (r *Recorder) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	close(r.quit)
	<-r.done
	if n := r.Dropped(); n > 0 {
		r.log.Warn("records dropped by full sink buffer", zap.Uint64("count", n))
	}
}
