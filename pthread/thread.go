package pthread

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/memory"
)

// exitCrashed is the exit value reported for a thread whose start routine
// failed: (void*)-1, PTHREAD_CANCELED.
const exitCrashed = ^uint32(0)

var i32 = []engine.ValueType{engine.I32}

// ManagedThread is one guest pthread and the OS thread backing it.
type ManagedThread struct {
	m    *Manager
	name string
	done chan struct{}

	ptr        uint32
	attr       uint32
	start      uint32
	arg        uint32
	hostOrigin bool

	mu       sync.Mutex
	state    State
	err      error
	inst     engine.Instance
	mem      *memory.Accessor
	result   uint32
	attached bool
	crashed  bool
	stackLow uint32
	hasStack bool

	// guarded by Manager.mu
	freeOnDestroy bool
	claimed       bool
}

// Name returns the thread's name, also used as its instance name.
func (t *ManagedThread) Name() string { return t.name }

// Ptr returns the guest pthread_t.
func (t *ManagedThread) Ptr() uint32 { return t.ptr }

// HostOrigin reports whether host code drives the thread.
func (t *ManagedThread) HostOrigin() bool { return t.hostOrigin }

// Done is closed when the thread reaches Destroyed.
func (t *ManagedThread) Done() <-chan struct{} { return t.done }

// State returns the current lifecycle state.
func (t *ManagedThread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the first error the thread hit, if any.
func (t *ManagedThread) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Result returns the value the start routine returned, or (void*)-1 when
// it crashed. Valid once Done is closed.
func (t *ManagedThread) Result() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Instance returns the thread's engine instance while it is attached.
func (t *ManagedThread) Instance() engine.Instance {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inst
}

func (t *ManagedThread) failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err != nil
}

func (t *ManagedThread) fail(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	first := t.err == nil
	if first {
		t.err = err
	}
	state := t.state
	t.mu.Unlock()

	log := t.m.log.With(zap.String("thread", t.name), zap.Uint32("pthread", t.ptr), zap.Stringer("state", state))
	if errors.IsFatal(err) {
		t.m.recordFatal(err)
		log.Error("thread invariant violated", zap.Error(err))
		return
	}
	if first {
		log.Warn("thread failed", zap.Error(err))
	}
}

// enter moves the thread to the next state and notifies observers.
func (t *ManagedThread) enter(to State) {
	t.mu.Lock()
	from := t.state
	if to != from.Next() || from.Terminal() {
		t.mu.Unlock()
		panic(errors.Invariant(errors.PhaseThread, "pthread %#x: transition %s -> %s", t.ptr, from, to))
	}
	t.state = to
	err := t.err
	t.mu.Unlock()
	t.m.notify(Event{Ptr: t.ptr, Name: t.name, From: from, To: to, Err: err})
}

// step enters to and runs fn, turning panics into thread errors.
func (t *ManagedThread) step(to State, fn func() error) {
	t.enter(to)
	if fn == nil {
		return
	}
	t.fail(guard(fn))
}

func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// setup drives LOADING, ATTACHING and RUNNING. Host-origin threads stop
// in RUNNING without calling a start routine.
func (t *ManagedThread) setup(ctx context.Context) {
	t.step(Loading, func() error {
		if t.failed() {
			return nil
		}
		return t.load(ctx)
	})
	t.step(Attaching, func() error {
		if t.failed() {
			return nil
		}
		return t.attach(ctx)
	})
	t.step(Running, func() error {
		if t.failed() || t.hostOrigin {
			return nil
		}
		return t.runStart(ctx)
	})
}

// teardown drives DETACHING, DESTROYING and DESTROYED. It never skips a
// state, whatever happened before.
func (t *ManagedThread) teardown(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	t.step(Detaching, func() error { return t.detach(ctx) })
	t.step(Destroying, func() error { return t.destroy(ctx) })
	t.enter(Destroyed)
	t.m.finish(t)
}

func (t *ManagedThread) load(ctx context.Context) error {
	inst, err := t.m.cfg.Loader(ctx, t.name)
	if err != nil {
		return fmt.Errorf("load %s: %w", t.name, err)
	}
	t.mu.Lock()
	t.inst = inst
	t.mem = memory.New(inst.Memory())
	t.mu.Unlock()
	return nil
}

func (t *ManagedThread) attach(ctx context.Context) error {
	inst, mem := t.inst, t.mem
	if err := initThread(ctx, inst, t.ptr, false); err != nil {
		return err
	}
	t.mu.Lock()
	t.attached = true
	t.mu.Unlock()

	high, low := stackBounds(mem, t.m.cfg.Layout, t.ptr)
	if _, err := call(ctx, inst, ExportStackSetLimits, uint64(high), uint64(low)); err != nil {
		return err
	}
	restore := ExportStackRestore
	if inst.Function(restore) == nil {
		restore = ExportStackRestore2
	}
	if _, err := call(ctx, inst, restore, uint64(high)); err != nil {
		return err
	}
	writeStackCookie(mem, high, low)
	t.mu.Lock()
	t.stackLow, t.hasStack = low, true
	t.mu.Unlock()

	if _, err := call(ctx, inst, ExportTLSInit); err != nil {
		return err
	}
	self, err := call(ctx, inst, ExportPthreadSelf)
	if err != nil {
		return err
	}
	if len(self) != 1 || uint32(self[0]) != t.ptr {
		return errors.New(errors.PhaseThread, errors.KindInvariant).
			Path(t.name).
			Value(self).
			Detail("pthread_self does not match %#x after attach", t.ptr).
			Build()
	}
	return nil
}

func (t *ManagedThread) runStart(ctx context.Context) error {
	t.m.log.Debug("thread start",
		zap.String("thread", t.name), zap.Uint32("routine", t.start), zap.Uint32("arg", t.arg))
	table := t.inst.Table()
	if table == nil {
		t.crash()
		return errors.NotFound(errors.PhaseThread, "table", "__indirect_function_table")
	}
	fn, err := table.Lookup(t.start, i32, i32)
	if err != nil {
		t.crash()
		return fmt.Errorf("start routine %d: %w", t.start, err)
	}
	res, err := fn.Call(ctx, uint64(t.arg))
	if err != nil {
		t.crash()
		return fmt.Errorf("start routine %d: %w", t.start, err)
	}
	t.mu.Lock()
	if len(res) > 0 {
		t.result = uint32(res[0])
	}
	t.mu.Unlock()
	return nil
}

func (t *ManagedThread) crash() {
	t.mu.Lock()
	t.crashed = true
	t.result = exitCrashed
	t.mu.Unlock()
	t.m.crashed.Add(1)
}

func (t *ManagedThread) detach(ctx context.Context) error {
	t.mu.Lock()
	inst, mem := t.inst, t.mem
	attached, crashed, result := t.attached, t.crashed, t.result
	low, hasStack := t.stackLow, t.hasStack
	t.mu.Unlock()
	if !attached {
		return nil
	}

	if hasStack && !checkStackCookie(mem, low) {
		t.m.log.Warn("thread stack cookie corrupted",
			zap.String("thread", t.name), zap.Uint32("pthread", t.ptr), zap.Uint32("stack_low", low))
	}
	if crashed {
		if fn := inst.Function(ExportThreadCrashed); fn != nil {
			if _, err := fn.Call(ctx); err != nil {
				t.fail(fmt.Errorf("%s: %w", ExportThreadCrashed, err))
			}
		}
	}
	_, err := call(ctx, inst, ExportThreadExit, uint64(result))
	return err
}

func (t *ManagedThread) destroy(ctx context.Context) error {
	freeData := t.m.unregister(t)

	t.mu.Lock()
	inst := t.inst
	attached := t.attached
	t.mu.Unlock()
	if inst == nil {
		return nil
	}

	var err error
	if freeData && attached {
		_, err = call(ctx, inst, ExportThreadFreeData, uint64(t.ptr))
	}
	if cerr := inst.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	t.mu.Lock()
	t.inst = nil
	t.mu.Unlock()
	return err
}
