package asr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tessera-audio/tessera/internal/config"
	"github.com/tessera-audio/tessera/internal/vad"
)

// spanJoinGap is the largest silence between queued spans that still lets
// them be re-transcribed as one continuous stretch.
const spanJoinGap = time.Second

// pendingSpan is audio awaiting second-pass refinement.
type pendingSpan struct {
	start   time.Duration
	end     time.Duration
	samples []float32
}

// Refiner schedules the second transcription pass. First-pass spans are
// queued as they are produced; once no new span has arrived for the
// quiescence delay, the queued audio is re-transcribed at the high-accuracy
// tier and the results are handed to emit with Refined set.
//
// The refiner owns one goroutine. Close flushes synchronously.
type Refiner struct {
	tr    Transcriber
	delay time.Duration
	emit  func([]TranscriptSegment)

	mu      sync.Mutex
	queue   []pendingSpan
	timer   *time.Timer
	paused  bool
	closed  bool
	flushWG sync.WaitGroup
}

// NewRefiner returns a refiner that waits delay after the last queued span
// before refining. emit is called from the refiner's goroutine.
func NewRefiner(tr Transcriber, delay time.Duration, emit func([]TranscriptSegment)) *Refiner {
	if delay <= 0 {
		delay = 3 * time.Second
	}
	return &Refiner{tr: tr, delay: delay, emit: emit}
}

// Add queues the audio of a closed speech segment for refinement and restarts
// the quiescence timer.
func (r *Refiner) Add(seg vad.SpeechSegment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.queue = append(r.queue, pendingSpan{
		start:   seg.Start,
		end:     seg.End,
		samples: seg.Samples,
	})
	if r.paused {
		return
	}
	if r.timer == nil {
		r.timer = time.AfterFunc(r.delay, r.fire)
	} else {
		r.timer.Reset(r.delay)
	}
}

// Pause stops scheduling refinements; queued spans are kept. The resource
// controller pauses the second pass under critical pressure.
func (r *Refiner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

// Resume re-enables refinement and restarts the timer if work is queued.
func (r *Refiner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused || r.closed {
		return
	}
	r.paused = false
	if len(r.queue) > 0 {
		if r.timer == nil {
			r.timer = time.AfterFunc(r.delay, r.fire)
		} else {
			r.timer.Reset(r.delay)
		}
	}
}

// fire runs on the timer goroutine.
func (r *Refiner) fire() {
	r.refine(context.Background())
}

// refine drains the queue and re-transcribes it span group by span group.
func (r *Refiner) refine(ctx context.Context) {
	r.mu.Lock()
	queue := r.queue
	r.queue = nil
	r.flushWG.Add(1)
	r.mu.Unlock()
	defer r.flushWG.Done()

	if len(queue) == 0 {
		return
	}

	for _, group := range groupSpans(queue) {
		segs, err := r.tr.TranscribeWith(ctx, config.TierHighAccuracy, group.samples, group.start)
		if err != nil {
			slog.Error("second pass failed, keeping first-pass text", "error", err,
				"span_start", group.start, "span_end", group.end)
			continue
		}
		for i := range segs {
			segs[i].Refined = true
		}
		if len(segs) > 0 && r.emit != nil {
			r.emit(segs)
		}
	}
}

// Flush refines everything queued right now and waits for in-flight
// refinement to finish. Used on session stop.
func (r *Refiner) Flush(ctx context.Context) {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
	r.refine(ctx)
	r.flushWG.Wait()
}

// Close stops the refiner without refining the remaining queue.
func (r *Refiner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.queue = nil
	if r.timer != nil {
		r.timer.Stop()
	}
}

// groupSpans merges queued spans whose gaps are below spanJoinGap into
// continuous stretches, bridging the gaps with silence so offsets line up.
func groupSpans(spans []pendingSpan) []pendingSpan {
	if len(spans) == 0 {
		return nil
	}
	var out []pendingSpan
	cur := spans[0]
	for _, s := range spans[1:] {
		gap := s.start - cur.end
		if gap >= 0 && gap <= spanJoinGap {
			gapSamples := int(gap * vad.SampleRate / time.Second)
			cur.samples = append(cur.samples, make([]float32, gapSamples)...)
			cur.samples = append(cur.samples, s.samples...)
			cur.end = s.end
			continue
		}
		out = append(out, cur)
		cur = s
	}
	return append(out, cur)
}
