package pthread

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/engine/enginetest"
	"github.com/wippyai/wasm-sqlite/errno"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/memory"
)

const (
	slotIncrement = 1
	slotFail      = 2
	slotSelf      = 3
	counterAddr   = 0x100
)

var allStates = []State{NotStarted, Loading, Attaching, Running, Detaching, Destroying, Destroyed}

// fakeGuest builds per-thread instances over one shared memory, exporting
// the thread runtime functions the manager drives.
type fakeGuest struct {
	mem *enginetest.Memory
	acc *memory.Accessor

	mu        sync.Mutex
	instances []*enginetest.Instance
	exits     map[uint32]uint32
	crashed   map[uint32]bool
	freed     []uint32
	wrongSelf bool
	loadErr   error
}

func newFakeGuest() *fakeGuest {
	mem := enginetest.NewSharedMemory(1, 1)
	return &fakeGuest{
		mem:     mem,
		acc:     memory.New(mem),
		exits:   make(map[uint32]uint32),
		crashed: make(map[uint32]bool),
	}
}

// prepare lays out a struct pthread at ptr with a 512-byte stack.
func (g *fakeGuest) prepare(i int) uint32 {
	ptr := uint32(0x1000 + i*0x100)
	high := uint32(0x8000 + (i+1)*0x200)
	g.acc.WriteU32(ptr+DefaultLayout.StackOffset, high)
	g.acc.WriteU32(ptr+DefaultLayout.StackSizeOffset, 0x200)
	return ptr
}

func (g *fakeGuest) load(ctx context.Context, name string) (engine.Instance, error) {
	g.mu.Lock()
	loadErr := g.loadErr
	g.mu.Unlock()
	if loadErr != nil {
		return nil, loadErr
	}

	inst := enginetest.NewInstance(name, g.mem)
	var self uint32
	i32 := engine.I32
	inst.Export(ExportThreadInit, []engine.ValueType{i32, i32, i32, i32, i32, i32}, nil,
		func(_ context.Context, p []uint64) ([]uint64, error) {
			self = uint32(p[0])
			return nil, nil
		})
	inst.Export(ExportPthreadSelf, nil, []engine.ValueType{i32}, func(context.Context, []uint64) ([]uint64, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.wrongSelf {
			return []uint64{uint64(self + 4)}, nil
		}
		return []uint64{uint64(self)}, nil
	})
	nop := func(context.Context, []uint64) ([]uint64, error) { return nil, nil }
	inst.Export(ExportStackSetLimits, []engine.ValueType{i32, i32}, nil, nop)
	inst.Export(ExportStackRestore, []engine.ValueType{i32}, nil, nop)
	inst.Export(ExportTLSInit, nil, []engine.ValueType{i32}, func(context.Context, []uint64) ([]uint64, error) {
		return []uint64{0}, nil
	})
	inst.Export(ExportThreadExit, []engine.ValueType{i32}, nil, func(_ context.Context, p []uint64) ([]uint64, error) {
		g.mu.Lock()
		g.exits[self] = uint32(p[0])
		g.mu.Unlock()
		return nil, nil
	})
	inst.Export(ExportThreadCrashed, nil, nil, func(context.Context, []uint64) ([]uint64, error) {
		g.mu.Lock()
		g.crashed[self] = true
		g.mu.Unlock()
		return nil, nil
	})
	inst.Export(ExportThreadFreeData, []engine.ValueType{i32}, nil, func(_ context.Context, p []uint64) ([]uint64, error) {
		g.mu.Lock()
		g.freed = append(g.freed, uint32(p[0]))
		g.mu.Unlock()
		return nil, nil
	})

	sig := []engine.ValueType{i32}
	table := inst.FuncTable()
	table.Set(slotIncrement, &enginetest.Func{FnName: "increment", Params: sig, Results: sig,
		Fn: func(_ context.Context, p []uint64) ([]uint64, error) {
			g.acc.AtomicAdd32(uint32(p[0]), 1)
			return []uint64{7}, nil
		}})
	table.Set(slotFail, &enginetest.Func{FnName: "fail", Params: sig, Results: sig,
		Fn: func(context.Context, []uint64) ([]uint64, error) {
			return nil, fmt.Errorf("unreachable executed")
		}})
	table.Set(slotSelf, &enginetest.Func{FnName: "self", Params: sig, Results: sig,
		Fn: func(ctx context.Context, _ []uint64) ([]uint64, error) {
			t, ok := FromContext(ctx)
			if !ok {
				return nil, fmt.Errorf("no thread in context")
			}
			return []uint64{uint64(t.Ptr())}, nil
		}})

	g.mu.Lock()
	g.instances = append(g.instances, inst)
	g.mu.Unlock()
	return inst, nil
}

// recorder collects the state sequence of every thread.
type recorder struct {
	mu  sync.Mutex
	seq map[uint32][]State
}

func newRecorder() *recorder { return &recorder{seq: make(map[uint32][]State)} }

func (r *recorder) OnThreadEvent(e Event) {
	r.mu.Lock()
	r.seq[e.Ptr] = append(r.seq[e.Ptr], e.To)
	r.mu.Unlock()
}

func (r *recorder) states(ptr uint32) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.seq[ptr]...)
}

func newManager(t *testing.T, g *fakeGuest, max int64) (*Manager, *recorder) {
	t.Helper()
	m := NewManager(Config{Loader: g.load, MaxThreads: max})
	rec := newRecorder()
	m.Subscribe(rec)
	return m, rec
}

func join(t *testing.T, m *Manager) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := m.Join(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestLifecycleStates(t *testing.T) {
	g := newFakeGuest()
	m, rec := newManager(t, g, 0)
	ctx := context.Background()

	ok, bad := g.prepare(0), g.prepare(1)
	require.Equal(t, errno.ESUCCESS, m.Spawn(ctx, ok, 0, slotIncrement, counterAddr))
	require.Equal(t, errno.ESUCCESS, m.Spawn(ctx, bad, 0, slotFail, 0))
	require.NoError(t, join(t, m))

	assert.Equal(t, allStates, rec.states(ok))
	assert.Equal(t, allStates, rec.states(bad), "a crashing start routine still passes every state")

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, uint32(7), g.exits[ok])
	assert.Equal(t, exitCrashed, g.exits[bad])
	assert.True(t, g.crashed[bad])
	assert.False(t, g.crashed[ok])
	for _, inst := range g.instances {
		assert.True(t, inst.Closed(), "instance %s closed", inst.Name())
	}

	st := m.Stats()
	assert.Equal(t, 0, st.Live)
	assert.Equal(t, uint64(2), st.Spawned)
	assert.Equal(t, uint64(1), st.Crashed)
	_, live := m.Thread(ok)
	assert.False(t, live)
}

func TestJoinWaitsForAllThreads(t *testing.T) {
	g := newFakeGuest()
	m, rec := newManager(t, g, 0)
	ctx := context.Background()

	const n = 50
	ptrs := make([]uint32, n)
	for i := range ptrs {
		ptrs[i] = g.prepare(i)
		require.Equal(t, errno.ESUCCESS, m.Spawn(ctx, ptrs[i], 0, slotIncrement, counterAddr))
	}
	require.NoError(t, join(t, m))

	assert.Equal(t, uint32(n), g.acc.AtomicLoad32(counterAddr))
	for _, ptr := range ptrs {
		assert.Equal(t, allStates, rec.states(ptr))
	}
	assert.Equal(t, 0, m.Stats().Live)
}

func TestThreadNamesIncrement(t *testing.T) {
	g := newFakeGuest()
	m, _ := newManager(t, g, 0)
	ctx := context.Background()

	a, b := g.prepare(0), g.prepare(1)
	require.Equal(t, errno.ESUCCESS, m.Spawn(ctx, a, 0, HostOrigin, 0))
	require.Equal(t, errno.ESUCCESS, m.Spawn(ctx, b, 0, HostOrigin, 0))
	ta, _ := m.Thread(a)
	tb, _ := m.Thread(b)
	assert.Equal(t, "sqlite3-pthread-1", ta.Name())
	assert.Equal(t, "sqlite3-pthread-2", tb.Name())
	require.NoError(t, m.Close(ctx))
}

func TestStartRoutineSeesThreadContext(t *testing.T) {
	g := newFakeGuest()
	m, _ := newManager(t, g, 0)
	ptr := g.prepare(0)

	require.Equal(t, errno.ESUCCESS, m.Spawn(context.Background(), ptr, 0, slotSelf, 0))
	require.NoError(t, join(t, m))
	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, ptr, g.exits[ptr])
}

func TestDuplicateRegistrationIsFatal(t *testing.T) {
	g := newFakeGuest()
	m, _ := newManager(t, g, 0)
	ctx := context.Background()
	ptr := g.prepare(0)

	require.Equal(t, errno.ESUCCESS, m.Spawn(ctx, ptr, 0, HostOrigin, 0))
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r)
			assert.True(t, errors.IsFatal(r.(error)))
		}()
		m.Spawn(ctx, ptr, 0, slotIncrement, counterAddr)
	}()
	assert.Equal(t, 1, m.Stats().Live)
	require.NoError(t, m.Close(ctx))
}

func TestThreadLimit(t *testing.T) {
	g := newFakeGuest()
	m, _ := newManager(t, g, 1)
	ctx := context.Background()
	a, b := g.prepare(0), g.prepare(1)

	require.Equal(t, errno.ESUCCESS, m.Spawn(ctx, a, 0, HostOrigin, 0))
	assert.Equal(t, errno.EAGAIN, m.Spawn(ctx, b, 0, slotIncrement, counterAddr))

	require.NoError(t, m.Release(ctx, a))
	require.Equal(t, errno.ESUCCESS, m.Spawn(ctx, b, 0, slotIncrement, counterAddr))
	require.NoError(t, join(t, m))
	assert.Equal(t, errno.EINVAL, m.Spawn(ctx, 0, 0, slotIncrement, 0))
}

func TestHostOriginAttachRelease(t *testing.T) {
	g := newFakeGuest()
	m, rec := newManager(t, g, 0)
	ctx := context.Background()
	ptr := g.prepare(3)

	require.Equal(t, errno.ESUCCESS, m.Spawn(ctx, ptr, 0, HostOrigin, 0))
	th, ok := m.Thread(ptr)
	require.True(t, ok)
	assert.Equal(t, NotStarted, th.State())
	assert.True(t, th.HostOrigin())

	th, err := m.Attach(ctx, ptr)
	require.NoError(t, err)
	assert.Equal(t, Running, th.State())
	require.NotNil(t, th.Instance())

	_, err = m.Attach(ctx, ptr)
	assert.Error(t, err, "already attached")

	low := uint32(0x8000 + 3*0x200)
	assert.Equal(t, StackCookie1, g.acc.ReadU32(low))
	assert.Equal(t, StackCookie2, g.acc.ReadU32(low+4))

	require.NoError(t, m.Release(ctx, ptr))
	<-th.Done()
	assert.Equal(t, allStates, rec.states(ptr))
	assert.Nil(t, th.Instance())
	require.NoError(t, join(t, m))

	assert.Error(t, m.Release(ctx, ptr), "no longer registered")
}

func TestCloseReleasesHostThreads(t *testing.T) {
	g := newFakeGuest()
	m, rec := newManager(t, g, 0)
	ctx := context.Background()
	attached, idle := g.prepare(0), g.prepare(1)

	require.Equal(t, errno.ESUCCESS, m.Spawn(ctx, attached, 0, HostOrigin, 0))
	require.Equal(t, errno.ESUCCESS, m.Spawn(ctx, idle, 0, HostOrigin, 0))
	_, err := m.Attach(ctx, attached)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, allStates, rec.states(attached))
	assert.Equal(t, allStates, rec.states(idle))
	assert.Equal(t, errno.EAGAIN, m.Spawn(ctx, g.prepare(2), 0, slotIncrement, 0))
}

func TestCleanup(t *testing.T) {
	g := newFakeGuest()
	m, _ := newManager(t, g, 0)
	ctx := context.Background()
	live, gone := g.prepare(0), g.prepare(1)

	require.Equal(t, errno.ESUCCESS, m.Spawn(ctx, live, 0, HostOrigin, 0))
	th, err := m.Attach(ctx, live)
	require.NoError(t, err)

	main, err := g.load(ctx, "main")
	require.NoError(t, err)
	caller := main.(engine.Caller)

	require.NoError(t, m.Cleanup(ctx, caller, live))
	g.mu.Lock()
	assert.Empty(t, g.freed, "live thread frees itself later")
	g.mu.Unlock()

	require.NoError(t, m.Cleanup(ctx, caller, gone))
	require.NoError(t, m.Release(ctx, th.Ptr()))

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, []uint32{gone, live}, g.freed)
}

func TestPthreadSelfMismatchIsFatal(t *testing.T) {
	g := newFakeGuest()
	g.wrongSelf = true
	m, rec := newManager(t, g, 0)
	ptr := g.prepare(0)

	require.Equal(t, errno.ESUCCESS, m.Spawn(context.Background(), ptr, 0, slotIncrement, counterAddr))
	err := join(t, m)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, allStates, rec.states(ptr))
	assert.Zero(t, g.acc.AtomicLoad32(counterAddr), "start routine never ran")
}

func TestUnalignedStackIsFatal(t *testing.T) {
	g := newFakeGuest()
	m, rec := newManager(t, g, 0)
	ptr := g.prepare(0)
	g.acc.WriteU32(ptr+DefaultLayout.StackOffset, 0x8208)

	require.Equal(t, errno.ESUCCESS, m.Spawn(context.Background(), ptr, 0, slotIncrement, counterAddr))
	err := join(t, m)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, allStates, rec.states(ptr))
	assert.Zero(t, g.acc.ReadU32(0x8008), "no cookie written")
}

func TestLoaderFailure(t *testing.T) {
	g := newFakeGuest()
	g.loadErr = fmt.Errorf("out of memory")
	m, rec := newManager(t, g, 0)
	ptr := g.prepare(0)

	require.Equal(t, errno.ESUCCESS, m.Spawn(context.Background(), ptr, 0, slotIncrement, counterAddr))
	require.NoError(t, join(t, m), "load failures are not fatal to the process")
	assert.Equal(t, allStates, rec.states(ptr))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "DETACHING", Detaching.String())
	assert.Equal(t, "INVALID", State(42).String())
	assert.Equal(t, Destroyed, Destroyed.Next())
	assert.True(t, Destroyed.Terminal())
}

func TestInitMainThread(t *testing.T) {
	ctx := context.Background()
	inst := enginetest.NewInstance("main", enginetest.NewMemory(1, 1))
	var got []uint64
	i32 := engine.I32
	inst.Export(ExportThreadInit, []engine.ValueType{i32, i32, i32, i32}, nil,
		func(_ context.Context, p []uint64) ([]uint64, error) {
			got = append([]uint64(nil), p...)
			return nil, nil
		})

	require.NoError(t, InitMainThread(ctx, inst, 0x2000))
	assert.Equal(t, []uint64{0x2000, 1, 1, 1}, got, "trimmed to the export's arity")

	assert.Error(t, InitMainThread(ctx, inst, 0))
	assert.Error(t, InitMainThread(ctx, enginetest.NewInstance("bare", nil), 0x2000))
}

func TestUnsubscribeFuncObserver(t *testing.T) {
	g := newFakeGuest()
	m, _ := newManager(t, g, 0)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []uint32
	unsubscribe := m.Subscribe(ObserverFunc(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Ptr)
		mu.Unlock()
	}))

	first := g.prepare(0)
	require.Equal(t, errno.ESUCCESS, m.Spawn(ctx, first, 0, slotIncrement, counterAddr))
	require.NoError(t, join(t, m))

	unsubscribe()
	unsubscribe()

	second := g.prepare(1)
	require.Equal(t, errno.ESUCCESS, m.Spawn(ctx, second, 0, slotIncrement, counterAddr))
	require.NoError(t, join(t, m))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, len(allStates))
	assert.NotContains(t, seen, second)
}

func TestConcurrentAttach(t *testing.T) {
	g := newFakeGuest()
	m, _ := newManager(t, g, 0)
	ctx := context.Background()
	ptr := g.prepare(2)
	require.Equal(t, errno.ESUCCESS, m.Spawn(ctx, ptr, 0, HostOrigin, 0))

	const callers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	attached := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Attach(ctx, ptr); err == nil {
				mu.Lock()
				attached++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, attached)
	require.NoError(t, m.Release(ctx, ptr))
	require.NoError(t, join(t, m))
}
