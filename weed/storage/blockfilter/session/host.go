package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/seaweedfs/blockfilter/weed/glog"
	"github.com/seaweedfs/blockfilter/weed/storage/backend"
	"github.com/seaweedfs/blockfilter/weed/util"
)

var ErrHostClosed = errors.New("session: host closed")

// StoreConfig describes a store the host can (re)start.
type StoreConfig struct {
	Label      string
	Path       string
	Partitions []Partition
}

// Host runs file-backed stores in-process. It implements both Transport and
// Supervisor, so a filter engine can be wired to it directly.
type Host struct {
	mu      sync.Mutex
	configs map[string]StoreConfig
	current map[string]*FileStore
	byEP    map[Endpoint]*FileStore
	closed  bool

	replies chan *Reply
	events  chan Event
	quit    chan struct{}
	wg      sync.WaitGroup

	// NewBackOff paces reopen attempts during a restart. Tests shorten it.
	NewBackOff func() backoff.BackOff
}

var (
	_ Transport  = &Host{}
	_ Supervisor = &Host{}
)

func NewHost() *Host {
	return &Host{
		configs:    make(map[string]StoreConfig),
		current:    make(map[string]*FileStore),
		byEP:       make(map[Endpoint]*FileStore),
		replies:    make(chan *Reply, 256),
		events:     make(chan Event, 16),
		quit:       make(chan struct{}),
		NewBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 100 * time.Millisecond
	exponentialBackoff.MaxElapsedTime = 20 * time.Second
	return exponentialBackoff
}

// Attach registers a store and starts its first instance.
func (h *Host) Attach(cfg StoreConfig) (Endpoint, error) {
	h.mu.Lock()
	if _, found := h.configs[cfg.Label]; found {
		h.mu.Unlock()
		return "", fmt.Errorf("session: store %q already attached", cfg.Label)
	}
	h.configs[cfg.Label] = cfg
	h.mu.Unlock()

	store, err := h.start(cfg)
	if err != nil {
		h.mu.Lock()
		delete(h.configs, cfg.Label)
		h.mu.Unlock()
		return "", err
	}
	return store.endpoint, nil
}

func (h *Host) start(cfg StoreConfig) (*FileStore, error) {
	file, err := backend.OpenDiskFile(util.ResolvePath(cfg.Path))
	if err != nil {
		return nil, err
	}
	ep := Endpoint(cfg.Label + "/" + uuid.New().String())
	store, err := newFileStore(cfg.Label, ep, file, uint64(file.Size()), cfg.Partitions, h.replies)
	if err != nil {
		file.Close()
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		file.Close()
		return nil, ErrHostClosed
	}
	h.current[cfg.Label] = store
	h.byEP[ep] = store
	go store.run()
	glog.V(1).Infof("store %s started as %s on %s (%d bytes)", cfg.Label, ep, file.Name(), file.Size())
	return store, nil
}

func (h *Host) Lookup(label string) (Endpoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	store, found := h.current[label]
	if !found {
		return "", false
	}
	return store.endpoint, true
}

func (h *Host) Send(ep Endpoint, req *Request) error {
	h.mu.Lock()
	store, found := h.byEP[ep]
	h.mu.Unlock()
	if !found {
		return ErrDead
	}
	return store.enqueue(req)
}

func (h *Host) Replies() <-chan *Reply {
	return h.replies
}

func (h *Host) Events() <-chan Event {
	return h.events
}

// Kill stops the current instance of a store without answering its
// outstanding requests. Later sends to its endpoint fail with ErrDead.
func (h *Host) Kill(label string) error {
	h.mu.Lock()
	store, found := h.current[label]
	if found {
		delete(h.current, label)
		delete(h.byEP, store.endpoint)
	}
	h.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrNoDevice, label)
	}
	store.stop()
	glog.V(1).Infof("store %s (%s) killed", label, store.endpoint)
	return nil
}

// RequestRestart replaces the store's instance with a fresh one. The running
// instance, if any, is killed first. Reopening is retried with backoff and the
// outcome is announced on Events.
func (h *Host) RequestRestart(label string) error {
	h.mu.Lock()
	cfg, found := h.configs[label]
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrHostClosed
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNoDevice, label)
	}
	h.Kill(label)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		store, err := backoff.RetryWithData(
			func() (*FileStore, error) {
				store, err := h.start(cfg)
				if errors.Is(err, ErrHostClosed) {
					return nil, backoff.Permanent(err)
				}
				return store, err
			},
			h.NewBackOff())
		ev := Event{Label: label}
		if err != nil {
			ev.Err = fmt.Errorf("restart %s: %w", label, err)
			glog.Warningf("store %s: %v", label, ev.Err)
		} else {
			ev.Endpoint = store.endpoint
		}
		select {
		case h.events <- ev:
		case <-h.quit:
		}
	}()
	return nil
}

// Close stops every store. Pending restarts are abandoned.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	stores := make([]*FileStore, 0, len(h.current))
	for _, store := range h.current {
		stores = append(stores, store)
	}
	h.current = make(map[string]*FileStore)
	h.byEP = make(map[Endpoint]*FileStore)
	h.mu.Unlock()

	close(h.quit)
	for _, store := range stores {
		store.stop()
	}
	h.wg.Wait()
	return nil
}
