package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/veldt/mend/pipeline"
)

// Stream is one active repair run visible to the registry.
type Stream struct {
	Name      string
	StartedAt time.Time

	pctx *pipeline.Context
}

// Snapshot returns the run's current counters. Safe while the run is
// still processing.
func (s *Stream) Snapshot() pipeline.StatsSnapshot {
	return s.pctx.Stats.Snapshot()
}

// Manager tracks the runs of a batch so supervisors can reject
// duplicate output names and observe progress.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a stream registry. A nil logger falls back to
// slog.Default.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream_manager"),
		streams: make(map[string]*Stream),
	}
}

// Create registers a run under its context name. It returns the stream
// and true, or nil and false when the name is already active.
func (m *Manager) Create(pctx *pipeline.Context) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[pctx.Name]; ok {
		m.log.Warn("stream already active, rejecting duplicate", "stream", pctx.Name)
		return nil, false
	}

	s := &Stream{
		Name:      pctx.Name,
		StartedAt: time.Now(),
		pctx:      pctx,
	}
	m.streams[pctx.Name] = s
	m.log.Info("stream registered", "stream", pctx.Name)
	return s, true
}

// Remove unregisters a finished run.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	_, ok := m.streams[name]
	if ok {
		delete(m.streams, name)
	}
	m.mu.Unlock()

	if ok {
		m.log.Info("stream unregistered", "stream", name)
	}
}

// List returns the currently active runs.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	return streams
}
