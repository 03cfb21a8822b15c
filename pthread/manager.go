package pthread

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errno"
	"github.com/wippyai/wasm-sqlite/errors"
)

// HostOrigin is the start routine value that registers a thread driven by
// host code instead of spawning one.
const HostOrigin uint32 = 0xFFFFFFFF

// DefaultMaxThreads bounds concurrently live guest threads.
const DefaultMaxThreads = 64

// InstanceLoader creates a fresh instance of the guest for one thread. The
// instance must share the main instance's linear memory.
type InstanceLoader func(ctx context.Context, name string) (engine.Instance, error)

// Config configures a Manager.
type Config struct {
	Loader InstanceLoader
	Logger *zap.Logger

	// Layout locates struct pthread fields. Zero means DefaultLayout.
	Layout Layout

	// MaxThreads bounds live threads; further creates fail with EAGAIN.
	// Zero means DefaultMaxThreads.
	MaxThreads int64
}

// Stats is a snapshot of thread counters.
type Stats struct {
	Live    int    `json:"live"`
	Spawned uint64 `json:"spawned"`
	Crashed uint64 `json:"crashed"`
}

// Manager owns the registry of guest threads of one runtime.
type Manager struct {
	cfg Config
	log *zap.Logger
	sem *semaphore.Weighted

	mu      sync.Mutex
	threads map[uint32]*ManagedThread
	live    map[*ManagedThread]struct{}
	fatal   error
	closed  bool

	observers []observerEntry
	obsMu     sync.RWMutex
	obsSeq    uint64

	counter atomic.Uint32
	spawned atomic.Uint64
	crashed atomic.Uint64
}

// NewManager creates a manager. cfg.Loader is required.
func NewManager(cfg Config) *Manager {
	if cfg.Layout == (Layout{}) {
		cfg.Layout = DefaultLayout
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = DefaultMaxThreads
	}
	return &Manager{
		cfg:     cfg,
		log:     engine.LoggerOr(cfg.Logger).Named("pthread"),
		sem:     semaphore.NewWeighted(cfg.MaxThreads),
		threads: make(map[uint32]*ManagedThread),
		live:    make(map[*ManagedThread]struct{}),
	}
}

type observerEntry struct {
	id uint64
	o  Observer
}

// Subscribe adds an observer for lifecycle events. The returned function
// removes it; calling it more than once is a no-op.
func (m *Manager) Subscribe(o Observer) (unsubscribe func()) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.obsSeq++
	id := m.obsSeq
	m.observers = append(m.observers, observerEntry{id: id, o: o})
	return func() { m.unsubscribe(id) }
}

func (m *Manager) unsubscribe(id uint64) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	for i, e := range m.observers {
		if e.id == id {
			m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
			return
		}
	}
}

func (m *Manager) notify(e Event) {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, entry := range m.observers {
		entry.o.OnThreadEvent(e)
	}
}

// Spawn handles __pthread_create_js. The thread is registered under ptr
// and started on a new OS thread, unless start is HostOrigin, in which
// case it waits for Attach. Registering a ptr that is already live panics
// with a fatal error.
func (m *Manager) Spawn(ctx context.Context, ptr, attr, start, arg uint32) errno.Errno {
	if ptr == 0 {
		return errno.EINVAL
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return errno.EAGAIN
	}
	if !m.sem.TryAcquire(1) {
		m.log.Warn("thread limit reached", zap.Uint32("pthread", ptr), zap.Int64("max", m.cfg.MaxThreads))
		return errno.EAGAIN
	}

	t := &ManagedThread{
		m:          m,
		name:       fmt.Sprintf("sqlite3-pthread-%d", m.counter.Add(1)),
		done:       make(chan struct{}),
		ptr:        ptr,
		attr:       attr,
		start:      start,
		arg:        arg,
		hostOrigin: start == HostOrigin,
	}
	m.register(t)
	m.spawned.Add(1)
	m.notify(Event{Ptr: ptr, Name: t.name, From: NotStarted, To: NotStarted})
	m.log.Info("thread created",
		zap.String("thread", t.name), zap.Uint32("pthread", ptr), zap.Bool("host_origin", t.hostOrigin))

	if !t.hostOrigin {
		go m.run(context.WithoutCancel(ctx), t)
	}
	return errno.ESUCCESS
}

func (m *Manager) register(t *ManagedThread) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if other, ok := m.threads[t.ptr]; ok && other != t {
		m.sem.Release(1)
		panic(errors.New(errors.PhaseThread, errors.KindInvariant).
			Path(other.name).
			Value(t.ptr).
			Detail("pthread %#x is already registered", t.ptr).
			Build())
	}
	m.threads[t.ptr] = t
	m.live[t] = struct{}{}
}

// unregister removes t from the registry and reports whether a cleanup
// request arrived while it was live.
func (m *Manager) unregister(t *ManagedThread) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.threads[t.ptr] == t {
		delete(m.threads, t.ptr)
	}
	return t.freeOnDestroy
}

func (m *Manager) finish(t *ManagedThread) {
	m.mu.Lock()
	delete(m.live, t)
	m.mu.Unlock()
	m.sem.Release(1)
	close(t.done)
	m.log.Info("thread destroyed", zap.String("thread", t.name), zap.Uint32("pthread", t.ptr), zap.Error(t.Err()))
}

func (m *Manager) recordFatal(err error) {
	m.mu.Lock()
	if m.fatal == nil {
		m.fatal = err
	}
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, t *ManagedThread) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctx = WithThread(ctx, t)
	t.setup(ctx)
	t.teardown(ctx)
}

// Thread returns the live thread registered under ptr.
func (m *Manager) Thread(ptr uint32) (*ManagedThread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[ptr]
	return t, ok
}

// Attach drives a host-origin thread to RUNNING on the calling goroutine
// and returns it. The caller should keep the goroutine on one OS thread
// until Release. When attaching fails the thread is torn down and the
// error returned.
func (m *Manager) Attach(ctx context.Context, ptr uint32) (*ManagedThread, error) {
	t, err := m.claim(ptr)
	if err != nil {
		return nil, err
	}
	ctx = WithThread(ctx, t)
	t.setup(ctx)
	if err := t.Err(); err != nil {
		t.teardown(ctx)
		return nil, err
	}
	return t, nil
}

// claim marks a not yet attached host-origin thread as taken, so only one
// caller drives it out of NotStarted.
func (m *Manager) claim(ptr uint32) (*ManagedThread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[ptr]
	if !ok || !t.hostOrigin {
		return nil, errors.NotFound(errors.PhaseThread, "host-origin thread", fmt.Sprintf("%#x", ptr))
	}
	if t.claimed {
		return nil, errors.InvalidInput(errors.PhaseThread, fmt.Sprintf("pthread %#x is already attached", ptr))
	}
	if s := t.State(); s != NotStarted {
		return nil, errors.InvalidInput(errors.PhaseThread, fmt.Sprintf("pthread %#x is %s", ptr, s))
	}
	t.claimed = true
	return t, nil
}

// Release tears down an attached host-origin thread and waits for it to
// reach DESTROYED.
func (m *Manager) Release(ctx context.Context, ptr uint32) error {
	t, ok := m.Thread(ptr)
	if !ok || !t.hostOrigin {
		return errors.NotFound(errors.PhaseThread, "host-origin thread", fmt.Sprintf("%#x", ptr))
	}
	switch s := t.State(); s {
	case NotStarted:
		if _, err := m.claim(ptr); err != nil {
			return err
		}
		t.fail(errors.New(errors.PhaseThread, errors.KindNotInitialized).
			Path(t.name).
			Detail("released before attach").
			Build())
		t.setup(ctx)
	case Running:
	default:
		return errors.InvalidInput(errors.PhaseThread, fmt.Sprintf("pthread %#x is %s", ptr, s))
	}
	t.teardown(WithThread(ctx, t))
	return nil
}

// Cleanup handles _emscripten_thread_cleanup. The guest's thread data is
// freed at once through caller when the thread is gone, or by the thread
// itself in DESTROYING while it is still live.
func (m *Manager) Cleanup(ctx context.Context, caller engine.Caller, ptr uint32) error {
	m.mu.Lock()
	t, live := m.threads[ptr]
	if live {
		t.freeOnDestroy = true
	}
	m.mu.Unlock()
	if live {
		return nil
	}
	fn := caller.Function(ExportThreadFreeData)
	if fn == nil {
		return errors.NotFound(errors.PhaseThread, "export", ExportThreadFreeData)
	}
	_, err := fn.Call(ctx, uint64(ptr))
	return err
}

// Join blocks until every registered thread reached DESTROYED. It returns
// the first fatal error any thread hit, or the context error.
func (m *Manager) Join(ctx context.Context) error {
	for {
		m.mu.Lock()
		var next *ManagedThread
		for t := range m.live {
			next = t
			break
		}
		fatal := m.fatal
		m.mu.Unlock()

		if next == nil {
			return fatal
		}
		select {
		case <-next.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting new threads, releases host-origin threads that
// are still attached and joins the rest.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var hosted []uint32
	for ptr, t := range m.threads {
		if t.hostOrigin {
			hosted = append(hosted, ptr)
		}
	}
	m.mu.Unlock()

	for _, ptr := range hosted {
		if err := m.Release(ctx, ptr); err != nil {
			m.log.Warn("release host thread", zap.Uint32("pthread", ptr), zap.Error(err))
		}
	}
	return m.Join(ctx)
}

// Stats returns a snapshot of the thread counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	live := len(m.live)
	m.mu.Unlock()
	return Stats{Live: live, Spawned: m.spawned.Load(), Crashed: m.crashed.Load()}
}
