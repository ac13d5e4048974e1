package client

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zhouzirui/insight-desk/backend/pkg/logger"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// Chart is a rendered visualization.
type Chart interface {
	Restyle(theme string) error
}

// Surface is the rendering layer: it knows whether an anchor was inserted and how to draw into it.
type Surface interface {
	HasAnchor(id string) bool
	Render(id string, v protocol.Visualization, theme string) (Chart, error)
}

// Registry holds chart descriptors until their anchors exist. The rendering layer calls
// TryHydrate or TryHydrateAll whenever it inserted new content. Each id is hydrated at most once.
type Registry struct {
	mu       sync.Mutex
	surface  Surface
	theme    string
	pending  map[string]protocol.Visualization
	hydrated map[string]Chart
	log      *logger.Logger
}

// NewRegistry returns an empty registry drawing on surface.
func NewRegistry(surface Surface, theme string, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		surface:  surface,
		theme:    theme,
		pending:  make(map[string]protocol.Visualization),
		hydrated: make(map[string]Chart),
		log:      log,
	}
}

// Register stores v under id and hydrates it right away when the anchor already exists.
func (r *Registry) Register(id string, v protocol.Visualization) (bool, error) {
	r.mu.Lock()
	if _, done := r.hydrated[id]; done {
		r.mu.Unlock()
		return false, nil
	}
	r.pending[id] = v
	r.mu.Unlock()
	return r.TryHydrate(id)
}

// TryHydrate renders id if it is pending and its anchor exists. It reports whether it rendered.
func (r *Registry) TryHydrate(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tryLocked(id)
}

// TryHydrateAll attempts every pending id and returns how many were rendered.
func (r *Registry) TryHydrateAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	n := 0
	for _, id := range ids {
		ok, err := r.tryLocked(id)
		if err != nil {
			r.log.Warn("chart hydration failed", "chart_id", id, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n
}

// HydrateNow renders v without checking the anchor, for callers that just inserted it.
// Hydrating an id twice is a no-op.
func (r *Registry) HydrateNow(id string, v protocol.Visualization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.hydrated[id]; done {
		return nil
	}
	return r.renderLocked(id, v)
}

// SetTheme restyles every hydrated chart in place. Pending charts pick the theme up when rendered.
func (r *Registry) SetTheme(theme string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.theme = theme

	var firstErr error
	for id, chart := range r.hydrated {
		if err := chart.Restyle(theme); err != nil {
			r.log.Warn("chart restyle failed", "chart_id", id, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("restyle %s: %w", id, err)
			}
		}
	}
	return firstErr
}

// Pending lists ids waiting for their anchor.
func (r *Registry) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Hydrated reports whether id was rendered.
func (r *Registry) Hydrated(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.hydrated[id]
	return ok
}

// Reset forgets every chart, e.g. after the conversation was cleared.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = make(map[string]protocol.Visualization)
	r.hydrated = make(map[string]Chart)
}

func (r *Registry) tryLocked(id string) (bool, error) {
	v, ok := r.pending[id]
	if !ok || !r.surface.HasAnchor(id) {
		return false, nil
	}
	if err := r.renderLocked(id, v); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) renderLocked(id string, v protocol.Visualization) error {
	chart, err := r.surface.Render(id, v, r.theme)
	if err != nil {
		return fmt.Errorf("render chart %s: %w", id, err)
	}
	delete(r.pending, id)
	r.hydrated[id] = chart
	return nil
}
