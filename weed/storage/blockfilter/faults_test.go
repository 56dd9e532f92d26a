package blockfilter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/layout"
	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/session"
)

var errInjected = errors.New("injected failure")

type fault int

const (
	faultNone    fault = iota
	faultDead          // Send fails
	faultDrop          // request vanishes, no reply
	faultStatus        // reply with errInjected
	faultCorrupt       // request is served, then the returned data is overwritten
)

// faultyHost wraps a session.Host and injects failures per request.
type faultyHost struct {
	*session.Host
	replies chan *session.Reply
	events  chan session.Event
	quit    chan struct{}
	done    chan struct{}

	mu           sync.Mutex
	inject       func(label string, req *session.Request) fault
	corrupt      map[uint64]*session.Request
	sent         map[string]map[session.Op]int
	restartCalls map[string]int
	failRestart  map[string]bool
	onRestart    func(label string)
}

func newFaultyHost(t *testing.T) *faultyHost {
	host := session.NewHost()
	host.NewBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	}
	f := &faultyHost{
		Host:         host,
		replies:      make(chan *session.Reply, 256),
		events:       make(chan session.Event, 16),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		corrupt:      make(map[uint64]*session.Request),
		sent:         make(map[string]map[session.Op]int),
		restartCalls: make(map[string]int),
		failRestart:  make(map[string]bool),
	}
	go f.pump()
	t.Cleanup(func() {
		close(f.quit)
		<-f.done
		host.Close()
	})
	return f
}

func labelOf(ep session.Endpoint) string {
	label, _, _ := strings.Cut(string(ep), "/")
	return label
}

func (f *faultyHost) pump() {
	defer close(f.done)
	for {
		select {
		case r := <-f.Host.Replies():
			f.mu.Lock()
			req, found := f.corrupt[r.ID]
			delete(f.corrupt, r.ID)
			f.mu.Unlock()
			if found {
				for _, g := range req.Iov {
					g.CopyIn(0, []byte("corrupted sector"))
				}
			}
			f.replies <- r
		case ev := <-f.Host.Events():
			f.events <- ev
		case <-f.quit:
			return
		}
	}
}

func (f *faultyHost) setInject(fn func(label string, req *session.Request) fault) {
	f.mu.Lock()
	f.inject = fn
	f.mu.Unlock()
}

func (f *faultyHost) count(label string, op session.Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[label][op]
}

func (f *faultyHost) restarts(label string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restartCalls[label]
}

func (f *faultyHost) Send(ep session.Endpoint, req *session.Request) error {
	label := labelOf(ep)
	f.mu.Lock()
	if f.sent[label] == nil {
		f.sent[label] = make(map[session.Op]int)
	}
	f.sent[label][req.Op]++
	what := faultNone
	if f.inject != nil {
		what = f.inject(label, req)
	}
	if what == faultCorrupt {
		f.corrupt[req.ID] = req
	}
	f.mu.Unlock()

	switch what {
	case faultDead:
		return session.ErrDead
	case faultDrop:
		return nil
	case faultStatus:
		f.replies <- &session.Reply{Source: ep, ID: req.ID, Status: errInjected}
		return nil
	}
	return f.Host.Send(ep, req)
}

func (f *faultyHost) Replies() <-chan *session.Reply {
	return f.replies
}

func (f *faultyHost) Events() <-chan session.Event {
	return f.events
}

func (f *faultyHost) RequestRestart(label string) error {
	f.mu.Lock()
	f.restartCalls[label]++
	fail := f.failRestart[label]
	hook := f.onRestart
	f.mu.Unlock()
	if hook != nil {
		hook(label)
	}
	if fail {
		f.events <- session.Event{Label: label, Err: errInjected}
		return nil
	}
	return f.Host.RequestRestart(label)
}

// testRig is an engine over one or two image files served by a faultyHost.
type testRig struct {
	t      *testing.T
	host   *faultyHost
	engine *Engine
	router *Router
	paths  map[string]string
}

func testConfig(mirror bool) Config {
	return Config{
		Primary:       ChannelConfig{Label: "primary"},
		Mirror:        ChannelConfig{Label: "mirror"},
		Mirroring:     mirror,
		Checksums:     true,
		Algorithm:     layout.ChecksumCRC,
		ChecksumFatal: true,
		Timeout:       2 * time.Second,
	}
}

func createImage(t *testing.T, dir, name string, size int64) string {
	t.Helper()
	path := filepath.Join(dir, name+".raw")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

// newRig attaches an image of rawSize bytes for every label the config names
// and starts the engine.
func newRig(t *testing.T, cfg Config, rawSize int64) *testRig {
	t.Helper()
	rig := &testRig{t: t, host: newFaultyHost(t), paths: make(map[string]string)}
	dir := t.TempDir()
	labels := []string{cfg.Primary.Label}
	if cfg.Mirroring {
		labels = append(labels, cfg.Mirror.Label)
	}
	for _, label := range labels {
		if _, found := rig.paths[label]; found {
			continue
		}
		rig.paths[label] = createImage(t, dir, label, rawSize)
		_, err := rig.host.Attach(session.StoreConfig{Label: label, Path: rig.paths[label]})
		require.NoError(t, err)
	}
	e, err := New(cfg, rig.host, rig.host)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Close(context.Background()) })
	rig.engine = e
	rig.router = NewRouter(e)
	return rig
}

func (rig *testRig) write(pos uint64, data []byte) *Reply {
	buf := append([]byte(nil), data...)
	return rig.router.Handle(context.Background(), &Request{
		Verb: VerbWrite,
		Pos:  pos,
		Iov:  []*session.Grant{session.NewGrant(buf, session.AccessRead)},
	})
}

func (rig *testRig) read(pos uint64, n int) ([]byte, *Reply) {
	buf := make([]byte, n)
	reply := rig.router.Handle(context.Background(), &Request{
		Verb: VerbRead,
		Pos:  pos,
		Iov:  []*session.Grant{session.NewGrant(buf, session.AccessWrite)},
	})
	return buf[:reply.Size], reply
}

func (rig *testRig) readBoth(pos uint64, n int) ([]byte, []byte) {
	rig.t.Helper()
	a, b := make([]byte, n), make([]byte, n)
	got, err := rig.engine.ReadBoth(context.Background(), pos, a, b)
	require.NoError(rig.t, err)
	return a[:got], b[:got]
}

// rawImage reads a whole backing image from disk.
func (rig *testRig) rawImage(label string) []byte {
	rig.t.Helper()
	data, err := os.ReadFile(rig.paths[label])
	require.NoError(rig.t, err)
	return data
}

// patchImage overwrites bytes of a backing image behind the engine's back.
func (rig *testRig) patchImage(label string, off int64, data []byte) {
	rig.t.Helper()
	f, err := os.OpenFile(rig.paths[label], os.O_RDWR, 0644)
	require.NoError(rig.t, err)
	_, err = f.WriteAt(data, off)
	require.NoError(rig.t, err)
	require.NoError(rig.t, f.Close())
}
