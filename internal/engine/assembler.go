// Package engine contains the hybrid storage-and-forward video path: GOP
// assembly, the bounded in-memory fragment window, the realtime and catchup
// uplink drivers and the ack correlation between them.
package engine

import (
	"kestrelvision.io/kestrel/internal/log"
	"kestrelvision.io/kestrel/internal/media"
	"kestrelvision.io/kestrel/internal/metrics"
)

// Assembler folds the frame stream into GOP-aligned fragments. Every key
// frame closes the fragment in progress and opens the next one; completed
// fragments are handed to emit, which persists them.
//
// Not safe for concurrent use; the ingest pump is its only caller.
type Assembler struct {
	emit    func(*media.Fragment)
	current *media.Fragment
}

func NewAssembler(emit func(*media.Fragment)) *Assembler {
	return &Assembler{emit: emit}
}

// AddFrame feeds one access unit in presentation order.
func (a *Assembler) AddFrame(frame *media.Frame) {
	if frame.IsKeyFrame {
		a.closeCurrent()
		fr, err := media.NewFragment(frame)
		if err != nil {
			// Unreachable for a key frame; guard anyway.
			log.GetLogger().WithError(err).Error("failed to open fragment")
			return
		}
		a.current = fr
		return
	}

	if a.current == nil {
		// Stream joined mid-GOP; nothing can decode this frame without its
		// key frame.
		log.GetLogger().WithField("ts_ns", frame.TimestampNs).
			Warn("non-keyframe before any keyframe, dropping")
		metrics.FramesDroppedTotal.WithLabelValues("no_open_fragment").Inc()
		return
	}

	if err := a.current.AppendFrame(frame); err != nil {
		// The fragment in progress is still well-formed; flush it early and
		// resynchronise on the next key frame.
		log.GetLogger().WithError(err).
			WithField("ts_ns", frame.TimestampNs).
			Error("frame violates fragment invariants, flushing early")
		metrics.FramesDroppedTotal.WithLabelValues("invariant_violation").Inc()
		a.closeCurrent()
	}
}

// closeCurrent emits the fragment in progress, if any.
func (a *Assembler) closeCurrent() {
	if a.current == nil {
		return
	}
	fr := a.current
	a.current = nil
	if err := fr.Validate(); err != nil {
		log.GetLogger().WithError(err).
			WithField("ts_ns", fr.StartTimestampNs).
			Error("discarding malformed fragment")
		return
	}
	metrics.FragmentsAssembledTotal.Inc()
	a.emit(fr)
}
