package settings

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Hub shares one Source between many engines. The underlying source is
// watched once, from Run, and every Watch caller receives each update until
// its own ctx is done.
type Hub struct {
	src Source
	log logrus.FieldLogger

	mu      sync.Mutex
	current Settings
	loaded  bool
	subs    map[int]func(Settings)
	next    int
}

// NewHub wraps src.
func NewHub(src Source, log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		src:  src,
		log:  log.WithField("component", "settings"),
		subs: make(map[int]func(Settings)),
	}
}

// Run loads the source and starts watching it. Updates stop when ctx is
// done. A failed initial load is returned but leaves the hub usable: Load
// keeps retrying the source until it succeeds.
func (h *Hub) Run(ctx context.Context) error {
	if _, err := h.Load(ctx); err != nil {
		h.log.WithError(err).Warn("[settings] initial load failed")
	}
	return h.src.Watch(ctx, h.publish)
}

// Load returns the latest settings seen by the hub.
func (h *Hub) Load(ctx context.Context) (Settings, error) {
	h.mu.Lock()
	if h.loaded {
		s := h.current
		h.mu.Unlock()
		return s, nil
	}
	h.mu.Unlock()

	s, err := h.src.Load(ctx)
	if err != nil {
		return Settings{}, err
	}
	h.mu.Lock()
	if !h.loaded {
		h.current, h.loaded = s, true
	}
	s = h.current
	h.mu.Unlock()
	return s, nil
}

// Watch registers fn until ctx is done.
func (h *Hub) Watch(ctx context.Context, fn func(Settings)) error {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	context.AfterFunc(ctx, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	})
	return nil
}

// Subscribers returns the number of active watchers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) publish(s Settings) {
	h.mu.Lock()
	h.current, h.loaded = s, true
	fns := make([]func(Settings), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	h.log.WithField("subscribers", len(fns)).Info("[settings] update fanned out")
	for _, fn := range fns {
		fn(s)
	}
}
