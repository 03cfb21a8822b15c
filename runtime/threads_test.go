package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-sqlite/callback"
	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/engine/enginetest"
	"github.com/wippyai/wasm-sqlite/host"
	"github.com/wippyai/wasm-sqlite/internal/wasmbin"
	"github.com/wippyai/wasm-sqlite/memory"
	"github.com/wippyai/wasm-sqlite/pthread"
)

const (
	threadPtr    = 0x1000
	slotBlocking = 1
)

// threadedGuest is the import side of a pthread build; the fake engine
// supplies the instances.
func threadedGuest() []byte {
	b := wasmbin.NewBuilder()
	b.ImportMemory(host.ModuleEnv, "memory", wasmbin.Limits{Min: 1, Max: 1, HasMax: true, Shared: true})
	b.ImportFunc(host.ModuleEnv, host.ImportPthreadCreate,
		wasmbin.FuncType{Params: types(i32, i32, i32, i32), Results: types(i32)})
	return b.Bytes()
}

// fakeThreads builds instances over one shared memory. The start routine
// at slotBlocking waits for release.
type fakeThreads struct {
	mem     *enginetest.Memory
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	main   *enginetest.Instance
	host   map[string]engine.HostFunction
	closed []string
}

func newFakeThreads() *fakeThreads {
	mem := enginetest.NewSharedMemory(1, 1)
	acc := memory.New(mem)
	acc.WriteU32(threadPtr+pthread.DefaultLayout.StackOffset, 0x8200)
	acc.WriteU32(threadPtr+pthread.DefaultLayout.StackSizeOffset, 0x200)
	return &fakeThreads{
		mem:     mem,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (f *fakeThreads) build(_ context.Context, name string, h map[string]engine.HostFunction) (*enginetest.Instance, error) {
	inst := enginetest.NewInstance(name, f.mem)
	inst.OnClose = func() {
		f.mu.Lock()
		f.closed = append(f.closed, name)
		f.mu.Unlock()
	}

	var self uint32
	nop := func(context.Context, []uint64) ([]uint64, error) { return nil, nil }
	inst.Export(pthread.ExportThreadInit, types(i32), nil, func(_ context.Context, p []uint64) ([]uint64, error) {
		self = uint32(p[0])
		return nil, nil
	})
	inst.Export(pthread.ExportPthreadSelf, nil, types(i32), func(context.Context, []uint64) ([]uint64, error) {
		return []uint64{uint64(self)}, nil
	})
	inst.Export(pthread.ExportStackSetLimits, types(i32, i32), nil, nop)
	inst.Export(pthread.ExportStackRestore, types(i32), nil, nop)
	inst.Export(pthread.ExportTLSInit, nil, types(i32), func(context.Context, []uint64) ([]uint64, error) {
		return []uint64{0}, nil
	})
	inst.Export(pthread.ExportThreadExit, types(i32), nil, nop)

	table := inst.FuncTable()
	table.Set(0, nil)
	table.Set(slotBlocking, &enginetest.Func{FnName: "blocking", Params: types(i32), Results: types(i32),
		Fn: func(context.Context, []uint64) ([]uint64, error) {
			close(f.started)
			<-f.release
			return []uint64{0}, nil
		}})

	if name == "main" {
		f.mu.Lock()
		f.main, f.host = inst, h
		f.mu.Unlock()
	}
	return inst, nil
}

func (f *fakeThreads) closeOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

func TestCloseJoinsThreadsFirst(t *testing.T) {
	ctx := context.Background()
	f := newFakeThreads()
	rt, err := New(ctx, NewConfig().WithEngine(&enginetest.Engine{Build: f.build, Threads: true}))
	require.NoError(t, err)

	_, err = rt.Load(ctx, threadedGuest())
	require.NoError(t, err)
	require.True(t, rt.Report().SharedMemory)

	create := f.host[host.ModuleEnv+"#"+host.ImportPthreadCreate]
	res := f.main.Call(ctx, create, threadPtr, 0, slotBlocking, 0)
	require.Equal(t, uint64(0), res[0])

	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("thread did not start")
	}
	assert.Equal(t, 1, rt.Stats().Threads.Live)

	done := make(chan error, 1)
	go func() { done <- rt.Close(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("close returned while a thread was running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, f.main.Closed())

	close(f.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}

	order := f.closeOrder()
	require.Len(t, order, 2)
	assert.Equal(t, "main", order[1], "the main instance closes after every thread")
	assert.Equal(t, 0, rt.Stats().Threads.Live)
}

func TestInstalledCallbackSlots(t *testing.T) {
	ctx := context.Background()
	f := newFakeThreads()
	rt := newRuntime(t, NewConfig().WithEngine(&enginetest.Engine{Build: f.build}))
	assert.Nil(t, rt.Threads(), "single threaded engine")

	b := wasmbin.NewBuilder()
	b.ImportFunc(host.ModuleEnv, callback.ImportLogging, wasmbin.FuncType{Params: types(i32, i32, i32)})
	inst, err := rt.Load(ctx, b.Bytes())
	require.NoError(t, err)

	for _, name := range callback.Imports {
		slot, ok := inst.Slot(name)
		require.True(t, ok, name)
		assert.Greater(t, slot, uint32(slotBlocking), "installed after the guest's own entries")
	}
	assert.Len(t, rt.Report().Callbacks, len(callback.Imports))

	var got []string
	rt.Callbacks().SetLogging(func(code int32, msg string) { got = append(got, msg) })
	msg := uint32(0x200)
	inst.Memory().Write(msg, append([]byte("disk full"), 0))
	slot, _ := inst.Slot(callback.ImportLogging)
	_, err = inst.CallSlot(ctx, slot, types(i32, i32, i32), nil, 0, 13, uint64(msg))
	require.NoError(t, err)
	assert.Equal(t, []string{"disk full"}, got)
}

func TestPthreadCreateWithoutThreads(t *testing.T) {
	ctx := context.Background()
	f := newFakeThreads()
	rt := newRuntime(t, NewConfig().WithEngine(&enginetest.Engine{Build: f.build}))

	_, err := rt.Load(ctx, threadedGuest())
	require.NoError(t, err)
	res := f.main.Call(ctx, f.host[host.ModuleEnv+"#"+host.ImportPthreadCreate], threadPtr, 0, slotBlocking, 0)
	assert.NotEqual(t, uint64(0), res[0])
}
