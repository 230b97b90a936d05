package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tessera-audio/tessera/internal/config"
	"github.com/tessera-audio/tessera/internal/observe"
	"github.com/tessera-audio/tessera/pkg/speakerstore"
)

// ErrSessionNotFound is returned for ids not in the registry.
var ErrSessionNotFound = errors.New("session: not found")

// Factory builds the stage implementations for a new session. The default
// factory opens real capture devices and inference models; tests substitute
// fakes.
type Factory func(ctx context.Context, cfg *config.Config) (Pipeline, error)

// Manager runs transcription sessions against a shared speaker store.
// All exported methods are safe for concurrent use.
type Manager struct {
	cfg     *config.Config
	store   speakerstore.Store
	met     *observe.Metrics
	factory Factory

	mu       sync.Mutex
	sessions map[uuid.UUID]*Orchestrator
}

// NewManager creates a Manager. store may be nil to disable cross-session
// speaker persistence.
func NewManager(cfg *config.Config, store speakerstore.Store, met *observe.Metrics, factory Factory) *Manager {
	if met == nil {
		met = observe.DefaultMetrics()
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		met:      met,
		factory:  factory,
		sessions: make(map[uuid.UUID]*Orchestrator),
	}
}

// StartSession builds and starts a new session. The returned event channel
// is closed when the session stops.
func (m *Manager) StartSession(ctx context.Context) (uuid.UUID, <-chan Event, error) {
	pipe, err := m.factory(ctx, m.cfg)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("session: build pipeline: %w", err)
	}

	orch := NewOrchestrator(m.cfg, pipe, m.store, m.met)
	if err := orch.Start(ctx); err != nil {
		return uuid.Nil, nil, err
	}

	m.mu.Lock()
	m.sessions[orch.ID] = orch
	m.mu.Unlock()
	return orch.ID, orch.Events(), nil
}

// StopSession stops a session and removes it from the registry, returning
// the final transcript and statistics. Partial results are returned even
// when the session failed.
func (m *Manager) StopSession(ctx context.Context, id uuid.UUID) (FinalResult, error) {
	orch, err := m.session(id)
	if err != nil {
		return FinalResult{}, err
	}

	res, stopErr := orch.Stop(ctx)

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return res, stopErr
}

// StopAll stops every active session. Used during shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	orchs := make([]*Orchestrator, 0, len(m.sessions))
	for _, o := range m.sessions {
		orchs = append(orchs, o)
	}
	m.sessions = make(map[uuid.UUID]*Orchestrator)
	m.mu.Unlock()

	for _, o := range orchs {
		if _, err := o.Stop(ctx); err != nil && !errors.Is(err, ErrNotActive) {
			slog.Warn("session stop error", "session_id", o.ID, "error", err)
		}
	}
}

// SpeakerUpdate carries the editable speaker fields. Nil fields are left
// unchanged.
type SpeakerUpdate struct {
	DisplayName *string
	Color       *string
	Notes       *string
}

// UpdateSpeaker edits a session speaker. When the speaker is backed by a
// stored profile, the edit is written through to the store.
func (m *Manager) UpdateSpeaker(ctx context.Context, sessionID uuid.UUID, speakerID string, upd SpeakerUpdate) error {
	orch, err := m.session(sessionID)
	if err != nil {
		return err
	}
	if upd.DisplayName != nil {
		orch.SetSpeakerName(speakerID, *upd.DisplayName)
	}

	if profileID, ok := orch.SpeakerProfile(speakerID); ok && m.store != nil {
		pu := speakerstore.ProfileUpdate{
			DisplayName: upd.DisplayName,
			Color:       upd.Color,
			Notes:       upd.Notes,
		}
		if pu == (speakerstore.ProfileUpdate{}) {
			return nil
		}
		if err := m.store.UpdateProfile(ctx, profileID, pu); err != nil {
			return fmt.Errorf("session: update profile %s: %w", profileID, err)
		}
	}
	return nil
}

// Statistics returns the live rollup for a session.
func (m *Manager) Statistics(id uuid.UUID) (Statistics, error) {
	orch, err := m.session(id)
	if err != nil {
		return Statistics{}, err
	}
	return orch.Statistics(), nil
}

// ExportStatistics writes a session's transcript and statistics to w.
func (m *Manager) ExportStatistics(id uuid.UUID, format ExportFormat, w io.Writer) error {
	orch, err := m.session(id)
	if err != nil {
		return err
	}
	orch.mu.Lock()
	names := make(map[string]string, len(orch.names))
	for k, v := range orch.names {
		names[k] = v
	}
	orch.mu.Unlock()
	return Export(w, format, orch.Statistics(), orch.Segments(), names)
}

// ActiveSessions lists the ids of registered sessions.
func (m *Manager) ActiveSessions() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uuid.UUID, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

func (m *Manager) session(id uuid.UUID) (*Orchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orch, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return orch, nil
}
