package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tessera-audio/tessera/internal/asr"
	"github.com/tessera-audio/tessera/internal/cluster"
	"github.com/tessera-audio/tessera/internal/config"
	"github.com/tessera-audio/tessera/internal/embed"
	"github.com/tessera-audio/tessera/internal/merge"
	"github.com/tessera-audio/tessera/internal/observe"
	"github.com/tessera-audio/tessera/internal/resource"
	"github.com/tessera-audio/tessera/internal/vad"
	"github.com/tessera-audio/tessera/pkg/audio"
	"github.com/tessera-audio/tessera/pkg/speakerstore"
)

// State is the lifecycle phase of one session.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateActive
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

const (
	// eventBuffer bounds the outgoing event stream. A consumer that stops
	// reading loses events rather than stalling the pipeline.
	eventBuffer = 256

	// preSeedProbes is how many early embeddings are checked against the
	// speaker store for cross-session re-identification.
	preSeedProbes = 3

	// preSeedThreshold is the similarity bar for re-identifying a stored
	// profile. Higher than the clustering threshold so a false match does
	// not rename a whole session's speaker.
	preSeedThreshold = 0.8

	progressInterval = time.Second
)

// Pipeline bundles the stage implementations a session runs on. Inference
// and Sampler may be nil, disabling diarization and resource control.
type Pipeline struct {
	Source    audio.Source
	Detector  vad.Detector
	Inference embed.Inference
	Engine    asr.Transcriber
	Sampler   resource.Sampler
}

// FinalResult is everything a finished session produced.
type FinalResult struct {
	SessionID uuid.UUID
	Segments  []merge.MergedSegment
	Speakers  []SpeakerStats
	Stats     Statistics
}

// Orchestrator wires one session's pipeline: capture feeds the segmenter,
// closed speech segments flow through a bounded queue into diarization and
// first-pass transcription, and refinements arrive asynchronously from the
// second pass. All exported methods are safe for concurrent use.
type Orchestrator struct {
	ID        uuid.UUID
	StartedAt time.Time

	cfg   *config.Config
	pipe  Pipeline
	store speakerstore.Store
	met   *observe.Metrics

	resampler audio.Resampler
	seg       *vad.Segmenter
	ext       *embed.Extractor
	clu       *cluster.Clusterer
	refiner   *asr.Refiner
	resources *resource.Controller

	queue      *dropQueue[vad.SpeechSegment]
	asrCh      chan vad.SpeechSegment
	refined    chan []asr.TranscriptSegment
	events     chan Event
	intakeDone chan struct{}

	cancel     context.CancelFunc
	g          *errgroup.Group
	diarizeOff atomic.Bool

	mu             sync.Mutex
	state          State
	merger         *merge.Merger
	segments       []merge.MergedSegment
	names          map[string]string
	known          map[string]uuid.UUID
	lastSpeaker    string
	speakerChanges int
	refinedCount   int
	audioProcessed time.Duration
	processing     time.Duration
	probesLeft     int
}

// ErrNotActive is returned by Stop when the session is not running.
var ErrNotActive = errors.New("session: not active")

// NewOrchestrator assembles a session pipeline from its stages. The session
// does not process audio until Start is called.
func NewOrchestrator(cfg *config.Config, pipe Pipeline, store speakerstore.Store, met *observe.Metrics) *Orchestrator {
	o := &Orchestrator{
		ID:    uuid.New(),
		cfg:   cfg,
		pipe:  pipe,
		store: store,
		met:   met,

		resampler: audio.Resampler{Target: audio.PipelineFormat},
		seg: vad.NewSegmenter(vad.Config{
			MinSegmentLength: time.Duration(cfg.Diarization.MinSegmentLengthMs) * time.Millisecond,
			DetectOverlaps:   cfg.Diarization.DetectOverlaps == nil || *cfg.Diarization.DetectOverlaps,
		}, pipe.Detector),
		clu: cluster.New(cluster.Config{
			Threshold:   cfg.Diarization.ClusteringThreshold,
			MaxSpeakers: cfg.Diarization.MaxSpeakers,
			Adaptive:    cfg.Diarization.EnableAdaptiveClustering == nil || *cfg.Diarization.EnableAdaptiveClustering,
		}),

		queue:      newDropQueue[vad.SpeechSegment](cfg.Session.QueueCapacity),
		asrCh:      make(chan vad.SpeechSegment),
		refined:    make(chan []asr.TranscriptSegment, 16),
		events:     make(chan Event, eventBuffer),
		intakeDone: make(chan struct{}),

		merger: merge.New(merge.ConfidenceWeights{}),
		names:  make(map[string]string),
		known:  make(map[string]uuid.UUID),
	}

	if pipe.Inference != nil {
		o.ext = embed.NewExtractor(embed.Config{
			Window: time.Duration(cfg.Diarization.EmbeddingWindowMs) * time.Millisecond,
		}, pipe.Inference)
	}
	if cfg.ASR.EnableSecondPass == nil || *cfg.ASR.EnableSecondPass {
		tr := timedTranscriber{inner: pipe.Engine, met: met}
		o.refiner = asr.NewRefiner(tr, cfg.ASR.SecondPassDelay.Duration(), func(segs []asr.TranscriptSegment) {
			o.refined <- segs
		})
	}
	if pipe.Sampler != nil {
		tracker := resource.NewTracker(
			resource.DefaultThresholds(cfg.Resource.MaxMemoryMb),
			cfg.Resource.RecoverySamples,
		)
		o.resources = resource.NewController(pipe.Sampler, tracker, cfg.Resource.SampleInterval.Duration())
		o.resources.SetBacklogFunc(o.queue.len)
	}
	if store != nil {
		o.probesLeft = preSeedProbes
	}
	return o
}

// Events returns the session's event stream. The channel is closed when the
// session stops.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start opens the capture device and launches the pipeline goroutines.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		st := o.state
		o.mu.Unlock()
		return fmt.Errorf("session %s: cannot start from state %s", o.ID, st)
	}
	o.state = StateInitializing
	o.mu.Unlock()

	if err := o.pipe.Source.Start(); err != nil {
		o.setState(StateFailed)
		return fmt.Errorf("session: start capture: %w", err)
	}

	// The pipeline outlives the Start call's context; Stop tears it down.
	pipeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel

	g, gctx := errgroup.WithContext(pipeCtx)
	o.g = g
	g.Go(func() error { return o.captureLoop(gctx) })
	g.Go(func() error { return o.diarizeLoop(gctx) })
	g.Go(func() error { return o.asrLoop(gctx) })
	g.Go(func() error { return o.refinedLoop(gctx) })
	g.Go(func() error { return o.progressLoop(gctx) })
	if o.resources != nil {
		o.resources.Start(pipeCtx)
		g.Go(func() error { return o.pressureLoop(gctx) })
	}

	o.StartedAt = time.Now()
	o.setState(StateActive)
	o.met.ActiveSessions.Add(ctx, 1)
	slog.Info("session started",
		"session_id", o.ID,
		"initial_tier", o.cfg.ASR.InitialTier,
		"diarization", o.ext != nil,
		"second_pass", o.refiner != nil,
	)
	return nil
}

// Stop shuts the session down: capture ends, queued work is drained within
// the configured grace period, the second pass is flushed, and the final
// transcript is returned. Partial results survive a pipeline failure.
func (o *Orchestrator) Stop(ctx context.Context) (FinalResult, error) {
	o.mu.Lock()
	if o.state != StateActive {
		st := o.state
		o.mu.Unlock()
		return FinalResult{}, fmt.Errorf("%w (state %s)", ErrNotActive, st)
	}
	o.state = StateStopping
	o.mu.Unlock()

	slog.Info("session stopping", "session_id", o.ID)

	if err := o.pipe.Source.Close(); err != nil {
		slog.Warn("capture close error", "session_id", o.ID, "error", err)
	}

	grace := o.cfg.Session.StopGracePeriod.Duration()
	if grace <= 0 {
		grace = 10 * time.Second
	}
	graceCtx, cancelGrace := context.WithTimeout(ctx, grace)
	defer cancelGrace()

	select {
	case <-o.intakeDone:
		if o.refiner != nil {
			o.refiner.Flush(graceCtx)
		}
	case <-graceCtx.Done():
		slog.Warn("grace period expired, cancelling in-flight work", "session_id", o.ID)
	}
	if o.refiner != nil {
		o.refiner.Close()
	}

	o.cancel()
	runErr := o.g.Wait()
	if o.resources != nil {
		_ = o.resources.Close()
	}
	o.closeStages()
	o.persistMeeting(ctx)

	close(o.events)
	o.met.ActiveSessions.Add(ctx, -1)

	if runErr != nil {
		o.setState(StateFailed)
	} else {
		o.setState(StateStopped)
	}

	res := o.finalResult()
	slog.Info("session stopped",
		"session_id", o.ID,
		"segments", len(res.Segments),
		"speakers", len(res.Speakers),
		"dropped", o.queue.droppedTotal(),
	)
	return res, runErr
}

// SetSpeakerName assigns a display name to a session speaker id.
func (o *Orchestrator) SetSpeakerName(speakerID, name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names[speakerID] = name
}

// SpeakerProfile returns the persistent profile id behind a session speaker,
// if the speaker was re-identified against the store.
func (o *Orchestrator) SpeakerProfile(speakerID string) (uuid.UUID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.known[speakerID]
	return id, ok
}

// Segments returns a copy of the transcript so far, ordered by start time.
func (o *Orchestrator) Segments() []merge.MergedSegment {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := append([]merge.MergedSegment(nil), o.segments...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// captureLoop reads device frames, normalises them to 16 kHz mono, and runs
// segmentation. It never blocks on inference: closed segments go through the
// drop-oldest queue.
func (o *Orchestrator) captureLoop(ctx context.Context) error {
	defer o.queue.close()
	for {
		select {
		case <-ctx.Done():
			o.enqueue(ctx, o.seg.Flush())
			return nil

		case err := <-o.pipe.Source.Errors():
			if errors.Is(err, audio.ErrDeviceLost) {
				o.emit(ErrorEvent{Stage: "capture", Err: err, Severity: SeverityFatal})
				o.met.RecordPipelineError(ctx, "capture")
				return fmt.Errorf("session: capture: %w", err)
			}
			o.emit(Warning{Stage: "capture", Message: err.Error(), Severity: SeverityTransient})
			slog.Warn("capture error", "session_id", o.ID, "error", err)

		case frame, ok := <-o.pipe.Source.Frames():
			if !ok {
				o.enqueue(ctx, o.seg.Flush())
				return nil
			}
			frame = o.resampler.Convert(frame)
			if len(frame.Data) == 0 {
				continue
			}
			o.mu.Lock()
			o.audioProcessed += frame.Duration()
			o.mu.Unlock()

			start := time.Now()
			segs, err := o.seg.Process(frame)
			o.met.VADDuration.Record(ctx, time.Since(start).Seconds())
			if err != nil {
				o.emit(Warning{Stage: "vad", Message: err.Error(), Severity: SeverityRecoverable})
				o.met.RecordPipelineError(ctx, "vad")
				continue
			}
			o.enqueue(ctx, segs)
		}
	}
}

func (o *Orchestrator) enqueue(ctx context.Context, segs []vad.SpeechSegment) {
	for _, s := range segs {
		o.met.RecordSegment(ctx, s.HasOverlap)
		if n := o.queue.push(s); n > 0 {
			o.met.RecordQueueDrop(ctx, "inference")
			o.emit(Warning{
				Stage:    "queue",
				Message:  "inference queue full, dropped oldest segment",
				Severity: SeverityRecoverable,
			})
		}
	}
}

// diarizeLoop attributes each speech segment to a speaker and forwards it to
// transcription.
func (o *Orchestrator) diarizeLoop(ctx context.Context) error {
	defer close(o.asrCh)
	for seg := range o.queue.out() {
		turn := o.diarize(ctx, &seg)
		o.addTurn(turn)
		select {
		case o.asrCh <- seg:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (o *Orchestrator) diarize(ctx context.Context, seg *vad.SpeechSegment) merge.SpeakerTurn {
	turn := merge.SpeakerTurn{
		Start:      seg.Start,
		End:        seg.End,
		SpeakerID:  merge.DefaultSpeakerID,
		Confidence: 0.5,
		HasOverlap: seg.HasOverlap,
	}
	if o.ext == nil || o.diarizeOff.Load() {
		return turn
	}

	start := time.Now()
	emb, err := o.ext.Extract(*seg)
	if err != nil {
		if !errors.Is(err, embed.ErrSegmentTooShort) {
			o.emit(Warning{Stage: "embed", Message: "embedding failed, using default speaker", Severity: SeverityRecoverable})
			o.met.RecordPipelineError(ctx, "embed")
			slog.Warn("embedding failed", "session_id", o.ID, "error", err)
		}
		return turn
	}
	o.met.EmbedDuration.Record(ctx, time.Since(start).Seconds())
	o.met.RecordEmbedding(ctx, emb.LowQuality())

	o.preSeed(ctx, emb)

	asn, err := o.clu.Assign(emb, seg.End)
	if err != nil {
		o.emit(Warning{Stage: "cluster", Message: "clustering failed, using default speaker", Severity: SeverityRecoverable})
		o.met.RecordPipelineError(ctx, "cluster")
		slog.Warn("clustering failed", "session_id", o.ID, "error", err)
		return turn
	}
	turn.SpeakerID = asn.SpeakerID
	turn.Confidence = asn.Confidence

	if asn.NewSpeaker {
		o.emit(SpeakerDetected{
			SpeakerID:  asn.SpeakerID,
			Confidence: asn.Confidence,
			At:         seg.End,
		})
	}
	o.emit(SpeakerActivity{
		SpeakerID: asn.SpeakerID,
		Active:    true,
		Start:     seg.Start,
	})

	o.persistSpeech(ctx, asn.SpeakerID, emb, seg.Duration())
	return turn
}

// preSeed checks the first few good embeddings against the persistent store
// and seeds the clusterer with any re-identified profile.
func (o *Orchestrator) preSeed(ctx context.Context, emb embed.SpeakerEmbedding) {
	if o.store == nil || emb.LowQuality() {
		return
	}
	o.mu.Lock()
	if o.probesLeft == 0 {
		o.mu.Unlock()
		return
	}
	o.probesLeft--
	o.mu.Unlock()

	matches, err := o.store.FindSimilar(ctx, emb.Vector, 1, preSeedThreshold)
	if err != nil {
		slog.Warn("speaker store lookup failed", "session_id", o.ID, "error", err)
		return
	}
	if len(matches) == 0 {
		return
	}
	m := matches[0]
	id := m.ProfileID.String()
	if err := o.clu.Seed(id, emb.Vector, emb.Quality); err != nil {
		slog.Warn("seeding known speaker failed", "session_id", o.ID, "profile_id", id, "error", err)
		return
	}

	o.mu.Lock()
	o.known[id] = m.ProfileID
	o.mu.Unlock()
	if p, err := o.store.GetProfile(ctx, m.ProfileID); err == nil && p.DisplayName != "" {
		o.SetSpeakerName(id, p.DisplayName)
	}

	o.emit(SpeakerDetected{
		SpeakerID:  id,
		Known:      true,
		ProfileID:  m.ProfileID,
		Confidence: m.Similarity,
	})
	slog.Info("known speaker re-identified",
		"session_id", o.ID, "profile_id", id, "similarity", m.Similarity)
}

// persistSpeech folds a known speaker's segment into the store.
func (o *Orchestrator) persistSpeech(ctx context.Context, speakerID string, emb embed.SpeakerEmbedding, d time.Duration) {
	if o.store == nil {
		return
	}
	o.mu.Lock()
	profileID, ok := o.known[speakerID]
	o.mu.Unlock()
	if !ok {
		return
	}
	if err := o.store.RecordSpeech(ctx, profileID, d); err != nil {
		slog.Warn("record speech failed", "session_id", o.ID, "profile_id", profileID, "error", err)
	}
	if emb.LowQuality() {
		return
	}
	err := o.store.AppendEmbedding(ctx, profileID, speakerstore.Embedding{
		Vector:   emb.Vector,
		Quality:  emb.Quality,
		Duration: emb.AudioDuration,
	})
	if err != nil {
		slog.Warn("append embedding failed", "session_id", o.ID, "profile_id", profileID, "error", err)
	}
}

func (o *Orchestrator) addTurn(turn merge.SpeakerTurn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.merger.AddTurn(turn)
	if turn.SpeakerID != o.lastSpeaker {
		if o.lastSpeaker != "" {
			o.speakerChanges++
		}
		o.lastSpeaker = turn.SpeakerID
	}
}

// asrLoop runs the first transcription pass over attributed segments, in
// arrival order so transcript events have non-decreasing start times.
func (o *Orchestrator) asrLoop(ctx context.Context) error {
	defer close(o.intakeDone)
	for seg := range o.asrCh {
		start := time.Now()
		segs, err := o.pipe.Engine.Transcribe(ctx, seg.Samples, seg.Start)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.met.RecordPipelineError(ctx, "asr")
			o.emit(ErrorEvent{Stage: "asr", Err: err, Severity: SeverityCritical})
			return fmt.Errorf("session: first pass: %w", err)
		}
		elapsed := time.Since(start)
		o.met.ASRFirstPassDuration.Record(ctx, elapsed.Seconds())
		if d := seg.Duration(); d > 0 {
			o.met.RealTimeFactor.Record(ctx, elapsed.Seconds()/d.Seconds())
		}
		o.mu.Lock()
		o.processing += elapsed
		o.mu.Unlock()

		for _, ts := range segs {
			ms := o.mergeSegment(ctx, ts)
			o.emit(SpeakerActivity{
				SpeakerID:           ms.SpeakerID,
				Start:               ms.Start,
				End:                 ms.End,
				Text:                ms.Text,
				HasOverlap:          ms.HasOverlap,
				OverlappingSpeakers: ms.OverlappingSpeakers,
			})
			o.emit(TranscriptionUpdate{Type: UpdateTypeNew, Segment: ms})
		}
		if o.refiner != nil {
			o.refiner.Add(seg)
		}
	}
	return nil
}

// refinedLoop applies second-pass output as it arrives.
func (o *Orchestrator) refinedLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			// The stop path flushes the refiner before cancelling the
			// group; fold batches that already reached the buffer so
			// flushed refinements cannot be lost to select order.
			for {
				select {
				case batch := <-o.refined:
					o.foldRefined(ctx, batch)
				default:
					return nil
				}
			}
		case batch := <-o.refined:
			o.foldRefined(ctx, batch)
		}
	}
}

func (o *Orchestrator) foldRefined(ctx context.Context, batch []asr.TranscriptSegment) {
	for _, ts := range batch {
		ms := o.mergeSegment(ctx, ts)
		o.emit(TranscriptionUpdate{Type: UpdateTypeRefined, Segment: ms})
	}
}

// mergeSegment attributes a transcript segment and folds it into the session
// transcript. Refined segments replace the first-pass segments they cover.
func (o *Orchestrator) mergeSegment(ctx context.Context, ts asr.TranscriptSegment) merge.MergedSegment {
	start := time.Now()
	o.mu.Lock()
	ms := o.merger.Merge(ts)
	if ms.Refined {
		kept := o.segments[:0]
		for _, s := range o.segments {
			if s.Start >= ms.Start && s.End <= ms.End {
				continue
			}
			kept = append(kept, s)
		}
		o.segments = kept
		o.refinedCount++
	}
	o.segments = append(o.segments, ms)
	o.mu.Unlock()
	o.met.MergeDuration.Record(ctx, time.Since(start).Seconds())
	return ms
}

// pressureLoop reacts to resource state transitions: tier downgrades, pausing
// the second pass, and under critical pressure disabling diarization so
// transcription itself keeps running.
func (o *Orchestrator) pressureLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case tr := <-o.resources.Transitions():
			o.applyPressure(ctx, tr)
		}
	}
}

func (o *Orchestrator) applyPressure(ctx context.Context, tr resource.Transition) {
	tier := tierFor(tr.To, o.cfg.ASR.InitialTier)
	if sw, ok := o.pipe.Engine.(asr.TierSwitcher); ok && sw.Tier() != tier {
		from := sw.Tier()
		sw.SetTier(tier)
		o.met.RecordTierChange(ctx, string(from), string(tier))
	}
	if o.refiner != nil {
		if tr.To >= resource.Throttled {
			o.refiner.Pause()
		} else {
			o.refiner.Resume()
		}
	}
	o.diarizeOff.Store(tr.To >= resource.Critical)

	o.emit(Warning{
		Stage:    "resource",
		Message:  fmt.Sprintf("pressure %s, quality tier %s", tr.To, tier),
		Severity: SeverityTransient,
	})
	slog.Info("pressure applied",
		"session_id", o.ID,
		"from", tr.From,
		"to", tr.To,
		"tier", tier,
		"cpu", tr.Cause.CPUFraction,
		"memory_mb", tr.Cause.MemoryMb,
		"backlog", tr.Cause.Backlog,
	)
}

// tierFor maps a pressure state to the ASR tier the session should run at.
func tierFor(st resource.State, initial config.Tier) config.Tier {
	switch st {
	case resource.Normal:
		return initial
	case resource.Elevated:
		return initial.Below()
	default:
		return config.TierTurbo
	}
}

func (o *Orchestrator) progressLoop(ctx context.Context) error {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	var lastBacklog int
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.mu.Lock()
			processed := o.audioProcessed
			processing := o.processing
			o.mu.Unlock()
			var rtf float64
			if processed > 0 {
				rtf = processing.Seconds() / processed.Seconds()
			}
			backlog := o.queue.len()
			o.met.QueueBacklog.Add(ctx, int64(backlog-lastBacklog))
			lastBacklog = backlog
			o.emit(ProcessingProgress{
				AudioProcessed: processed,
				Backlog:        backlog,
				RealTimeFactor: rtf,
			})
		}
	}
}

// emit delivers an event without ever blocking the pipeline. When the
// consumer falls behind the event is dropped.
func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) closeStages() {
	if err := o.seg.Close(); err != nil {
		slog.Warn("segmenter close error", "session_id", o.ID, "error", err)
	}
	if o.ext != nil {
		if err := o.ext.Close(); err != nil {
			slog.Warn("extractor close error", "session_id", o.ID, "error", err)
		}
	}
	if err := o.pipe.Engine.Close(); err != nil {
		slog.Warn("engine close error", "session_id", o.ID, "error", err)
	}
}

// persistMeeting writes per-meeting speaker stats for re-identified profiles.
func (o *Orchestrator) persistMeeting(ctx context.Context) {
	if o.store == nil {
		return
	}
	stats := o.Statistics()
	o.mu.Lock()
	known := make(map[string]uuid.UUID, len(o.known))
	for k, v := range o.known {
		known[k] = v
	}
	o.mu.Unlock()

	for _, sp := range stats.Speakers {
		profileID, ok := known[sp.SpeakerID]
		if !ok {
			continue
		}
		err := o.store.UpsertMeetingSpeaker(ctx, speakerstore.MeetingSpeaker{
			MeetingID:    o.ID.String(),
			ProfileID:    profileID,
			SpeakingTime: sp.SpeechTime,
			SegmentCount: sp.Segments,
		})
		if err != nil {
			slog.Warn("meeting stats write failed", "session_id", o.ID, "profile_id", profileID, "error", err)
		}
	}
}

func (o *Orchestrator) finalResult() FinalResult {
	stats := o.Statistics()
	return FinalResult{
		SessionID: o.ID,
		Segments:  merge.PostProcess(o.Segments()),
		Speakers:  stats.Speakers,
		Stats:     stats,
	}
}

// timedTranscriber instruments the second pass. Close is a no-op because the
// underlying engine is owned by the orchestrator.
type timedTranscriber struct {
	inner asr.Transcriber
	met   *observe.Metrics
}

func (t timedTranscriber) Transcribe(ctx context.Context, samples []float32, offset time.Duration) ([]asr.TranscriptSegment, error) {
	return t.inner.Transcribe(ctx, samples, offset)
}

func (t timedTranscriber) TranscribeWith(ctx context.Context, tier config.Tier, samples []float32, offset time.Duration) ([]asr.TranscriptSegment, error) {
	start := time.Now()
	segs, err := t.inner.TranscribeWith(ctx, tier, samples, offset)
	t.met.ASRSecondPassDuration.Record(ctx, time.Since(start).Seconds())
	t.met.RecordRefinement(ctx, err)
	return segs, err
}

func (t timedTranscriber) Close() error { return nil }
