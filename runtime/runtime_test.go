package runtime

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-sqlite/callback"
	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/engine/wazeroengine"
	"github.com/wippyai/wasm-sqlite/errno"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/host"
	"github.com/wippyai/wasm-sqlite/internal/wasmbin"
)

func types(t ...engine.ValueType) []engine.ValueType { return t }

var (
	i32       = engine.I32
	fdWrite   = wasmbin.FuncType{Params: types(i32, i32, i32, i32), Results: types(i32)}
	procExit  = wasmbin.FuncType{Params: types(i32)}
	unaryI32  = wasmbin.FuncType{Params: types(i32), Results: types(i32)}
	nullary32 = wasmbin.FuncType{Results: types(i32)}
)

// commandGuest writes "hello\n" to stdout and exits with code 3.
func commandGuest() []byte {
	b := wasmbin.NewBuilder()
	write := b.ImportFunc(host.ModuleWASI, "fd_write", fdWrite)
	exit := b.ImportFunc(host.ModuleWASI, "proc_exit", procExit)
	b.Memory(wasmbin.Limits{Min: 1})
	b.Data(0, []byte{16, 0, 0, 0, 6, 0, 0, 0})
	b.Data(16, []byte("hello\n"))
	start := b.Func(wasmbin.FuncType{}, nil, wasmbin.Code{}.
		I32Const(1).I32Const(0).I32Const(1).I32Const(32).Call(write).Drop().
		I32Const(3).Call(exit))
	b.Export("memory", wasmbin.KindMemory, 0)
	b.Export(ExportStart, wasmbin.KindFunc, start)
	return b.Bytes()
}

// libraryGuest imports one unknown syscall, a variadic no-op with a
// signature of its own and the progress trampoline, which it places in
// table slot 3.
func libraryGuest() []byte {
	b := wasmbin.NewBuilder()
	unknown := b.ImportFunc(host.ModuleEnv, "__syscall_unknown", unaryI32)
	growth := b.ImportFunc(host.ModuleEnv, "emscripten_notify_memory_growth", wasmbin.FuncType{Params: types(i32)})
	progress := b.ImportFunc(host.ModuleEnv, callback.ImportProgress, unaryI32)
	b.Memory(wasmbin.Limits{Min: 1})
	b.Table(wasmbin.Limits{Min: 8})
	b.Elements(3, progress)
	callUnknown := b.Func(nullary32, nil, wasmbin.Code{}.I32Const(9).Call(unknown))
	notify := b.Func(wasmbin.FuncType{}, nil, wasmbin.Code{}.I32Const(0).Call(growth))
	b.Export("memory", wasmbin.KindMemory, 0)
	b.Export("call_unknown", wasmbin.KindFunc, callUnknown)
	b.Export("notify", wasmbin.KindFunc, notify)
	return b.Bytes()
}

func newWazero(t *testing.T) engine.Engine {
	t.Helper()
	ctx := context.Background()
	e, err := wazeroengine.New(ctx, &wazeroengine.Config{Interpreter: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(ctx) })
	return e
}

func newRuntime(t *testing.T, cfg *Config) *Runtime {
	t.Helper()
	ctx := context.Background()
	rt, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(ctx) })
	return rt
}

func TestRunCommand(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	rt := newRuntime(t, NewConfig().
		WithStdio(nil, &out, nil).
		WithRoot(t.TempDir()))
	assert.Equal(t, "wazero", rt.Engine().Name())
	require.NotNil(t, rt.Threads())

	inst, err := rt.Load(ctx, commandGuest())
	require.NoError(t, err)
	assert.Same(t, inst, rt.Main())
	assert.True(t, inst.Exported(ExportStart))

	code, err := inst.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), code)
	assert.Equal(t, "hello\n", out.String())
	assert.Equal(t, uint32(6), inst.Memory().ReadU32(32), "nwritten")

	stats := rt.Stats()
	assert.Equal(t, 3, stats.OpenFiles)
	calls := map[string]uint64{}
	for _, s := range stats.Imports {
		calls[s.Import] = s.Calls
	}
	assert.Equal(t, uint64(1), calls[host.ModuleWASI+"#fd_write"])
	assert.Equal(t, uint64(1), calls[host.ModuleWASI+"#proc_exit"])

	require.NoError(t, rt.Close(ctx))
	require.NoError(t, rt.Close(ctx), "close is idempotent")
	_, err = rt.Load(ctx, commandGuest())
	assert.Error(t, err)
}

func TestLoadOnce(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, NewConfig().WithEngine(newWazero(t)))

	_, err := rt.Load(ctx, []byte("not wasm"))
	assert.Error(t, err)

	_, err = rt.Load(ctx, commandGuest())
	require.NoError(t, err)
	_, err = rt.Load(ctx, commandGuest())
	assert.Error(t, err)
}

func TestMissingImportsFailTheLoad(t *testing.T) {
	rt := newRuntime(t, NewConfig().WithEngine(newWazero(t)))
	_, err := rt.Load(context.Background(), libraryGuest())
	require.Error(t, err)
	assert.ErrorIs(t, err, &errors.MissingImportsError{})
	assert.Contains(t, err.Error(), "__syscall_unknown")
	assert.Nil(t, rt.Main())
}

func TestStubbedImports(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, NewConfig().
		WithEngine(newWazero(t)).
		WithStubMissingImports(true))

	inst, err := rt.Load(ctx, libraryGuest())
	require.NoError(t, err)

	res, err := inst.Call(ctx, "call_unknown")
	require.NoError(t, err)
	assert.Equal(t, -int32(errno.ENOSYS), int32(uint32(res[0])))

	_, err = inst.Call(ctx, "notify")
	require.NoError(t, err, "variadic no-op takes the guest signature")

	_, err = inst.Call(ctx, "absent")
	assert.Error(t, err)

	report := rt.Report()
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Count(StatusStubbed))
	assert.Equal(t, 1, report.Count(StatusRetyped))
	assert.Equal(t, 1, report.Count(StatusProvided))
	assert.Empty(t, report.Unresolved())
}

func TestCallbackSlotFromElements(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, NewConfig().
		WithEngine(newWazero(t)).
		WithStubMissingImports(true))

	inst, err := rt.Load(ctx, libraryGuest())
	require.NoError(t, err)

	slot, ok := inst.Slot(callback.ImportProgress)
	require.True(t, ok)
	assert.Equal(t, uint32(3), slot)
	_, ok = inst.Slot(callback.ImportExec)
	assert.False(t, ok, "wazero cannot install slots the guest does not place")

	rt.Callbacks().SetProgress(0x40, func() int32 { return 1 })
	res, err := inst.CallSlot(ctx, slot, types(i32), types(i32), 0x40)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res[0])

	_, err = inst.CallSlot(ctx, slot, nil, types(i32))
	assert.Error(t, err, "signature mismatch")
}

func TestInspect(t *testing.T) {
	rt := newRuntime(t, NewConfig().WithEngine(newWazero(t)))

	report, err := rt.Inspect(libraryGuest())
	require.NoError(t, err)
	assert.Equal(t, []string{"env#__syscall_unknown"}, report.Unresolved())
	assert.Equal(t, map[string]uint32{callback.ImportProgress: 3}, report.Callbacks)
	assert.Equal(t, []string{"call_unknown", "notify"}, report.Exports)
	assert.False(t, report.SharedMemory)

	byKey := map[string]ImportReport{}
	for _, imp := range report.Imports {
		byKey[imp.Key()] = imp
	}
	assert.Equal(t, "syscall", byKey["env#__syscall_unknown"].ABI)
	assert.Equal(t, StatusRetyped, byKey["env#emscripten_notify_memory_growth"].Status)
	assert.Equal(t, StatusProvided, byKey["env#"+callback.ImportProgress].Status)

	_, err = rt.Inspect([]byte{0, 1})
	assert.Error(t, err)

	assert.Nil(t, rt.Report(), "inspect does not load")
	for _, s := range rt.Stats().Imports {
		assert.NotEqual(t, "env#__syscall_unknown", s.Import, "inspect creates no stubs")
	}
}

func TestSignatureMismatch(t *testing.T) {
	b := wasmbin.NewBuilder()
	b.ImportFunc(host.ModuleWASI, "fd_close", nullary32)
	rt := newRuntime(t, NewConfig().
		WithEngine(newWazero(t)).
		WithStubMissingImports(true))

	_, err := rt.Load(context.Background(), b.Bytes())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.New(errors.PhaseLinking, errors.KindInvalidData).Build())
	assert.Contains(t, err.Error(), "fd_close")
}
