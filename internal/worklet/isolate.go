package worklet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/google/fledge-shim-sub000/internal/infrastructure/logging"
)

// Config controls worklet execution.
type Config struct {
	// Timeout bounds one invocation. Zero means the caller's context is the
	// only bound.
	Timeout time.Duration

	// DebugPrelude is trusted script text run before the worklet script,
	// for local debugging shims. Empty in production.
	DebugPrelude string
}

// Runner executes bidding and scoring scripts. Each invocation builds a
// fresh isolate; a Runner is safe for concurrent use.
type Runner struct {
	cfg Config
	log *logging.Logger
}

// NewRunner creates a Runner. A nil logger discards worklet output.
func NewRunner(cfg Config, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{cfg: cfg, log: logger.Named("worklet")}
}

// isolate is one single-use VM plus the trusted primitives captured from it
// before any untrusted code ran.
type isolate struct {
	vm   *goja.Runtime
	role string
	log  *logging.Logger

	jsonNS    *goja.Object
	stringify goja.Callable
	parse     goja.Callable
}

func newIsolate(role string, logger *logging.Logger) *isolate {
	vm := goja.New()
	in := &isolate{vm: vm, role: role, log: logger.With(zap.String("role", role))}

	jsonNS, ok := vm.Get("JSON").(*goja.Object)
	if !ok {
		panic("worklet: fresh runtime has no JSON namespace")
	}
	stringify, ok := goja.AssertFunction(jsonNS.Get("stringify"))
	if !ok {
		panic("worklet: fresh runtime has no JSON.stringify")
	}
	parse, ok := goja.AssertFunction(jsonNS.Get("parse"))
	if !ok {
		panic("worklet: fresh runtime has no JSON.parse")
	}
	in.jsonNS, in.stringify, in.parse = jsonNS, stringify, parse

	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, name := range []string{"setTimeout", "setInterval", "clearTimeout", "clearInterval", "queueMicrotask"} {
		_ = vm.Set(name, noop)
	}
	in.installConsole()

	return in
}

// installConsole routes console output into the structured log so script
// authors can debug against the engine's own output.
func (in *isolate) installConsole() {
	console := in.vm.NewObject()
	log := in.log.Named("console")
	for name, level := range map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"log":   zapcore.InfoLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	} {
		level := level
		_ = console.Set(name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, in.formatValue(arg))
			}
			if entry := log.Check(level, strings.Join(parts, " ")); entry != nil {
				entry.Write()
			}
			return goja.Undefined()
		})
	}
	_ = in.vm.Set("console", console)
}

// formatValue renders a value for console output. Formatting runs untrusted
// code (toJSON, toString), so every path is recover-guarded.
func (in *isolate) formatValue(v goja.Value) (out string) {
	defer func() {
		if recover() != nil {
			out = "<unprintable>"
		}
	}()
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if s, ok := v.Export().(string); ok {
		return s
	}
	if res, err := in.stringify(in.jsonNS, v); err == nil && res != nil && !goja.IsUndefined(res) {
		return res.String()
	}
	return v.String()
}

// interruptOn arranges for context cancellation to abort the VM. The caller
// must invoke the returned func when the invocation ends.
func (in *isolate) interruptOn(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			in.vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()
	return func() {
		close(stop)
		in.vm.ClearInterrupt()
	}
}

// loadScript runs the trusted prelude, then the untrusted worklet script,
// in the isolate's top-level scope.
func (in *isolate) loadScript(prelude, script string) bool {
	if prelude != "" {
		if err := in.safeRun("prelude", prelude); err != nil {
			in.failErr("debug prelude threw", err)
			return false
		}
	}
	if err := in.safeRun(in.role+"Logic", script); err != nil {
		in.failErr("script threw at top level", err)
		return false
	}
	return true
}

// entryPoint looks up the named global after the script ran. The global may
// have been redefined as a throwing accessor, so the read is guarded.
func (in *isolate) entryPoint(name string) (goja.Callable, bool) {
	v, err := in.safeGet(in.vm.GlobalObject(), name)
	if err != nil {
		in.failErr("reading entry point "+name, err)
		return nil, false
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		in.failShape(name+" is not a function", name)
		return nil, false
	}
	return fn, true
}

func (in *isolate) safeRun(name, src string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoveredError(r)
		}
	}()
	_, err = in.vm.RunScript(name, src)
	return err
}

func (in *isolate) safeGet(obj *goja.Object, key string) (v goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, recoveredError(r)
		}
	}()
	return obj.Get(key), nil
}

func (in *isolate) safeCall(fn goja.Callable, this goja.Value, args ...goja.Value) (v goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, recoveredError(r)
		}
	}()
	return fn(this, args...)
}

// safeObject coerces a returned value to an object. Null and undefined mean
// the script declined to produce a result.
func (in *isolate) safeObject(v goja.Value) (obj *goja.Object, err error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, errors.New("no result object")
	}
	defer func() {
		if r := recover(); r != nil {
			obj, err = nil, recoveredError(r)
		}
	}()
	return v.ToObject(in.vm), nil
}

// stringifyValue serializes a script-produced value with JSON semantics via
// the captured JSON.stringify. false means the invocation failed; an
// undefined result (e.g. a bare function) serializes as "null".
func (in *isolate) stringifyValue(v goja.Value) (string, bool) {
	if v == nil || goja.IsUndefined(v) {
		return "null", true
	}
	res, err := in.safeCall(in.stringify, in.jsonNS, v)
	if err != nil {
		in.failErr("serializing ad metadata", err)
		return "", false
	}
	if res == nil || goja.IsUndefined(res) {
		return "null", true
	}
	s, ok := asString(res)
	if !ok {
		panic("worklet: JSON.stringify returned a non-string")
	}
	return s, true
}

// failErr records a script-caused failure. One warning per failed
// invocation; the exception text carries the script's own stack.
func (in *isolate) failErr(msg string, err error) {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		in.log.Warn(msg, zap.String("exception", exc.String()))
		return
	}
	in.log.Warn(msg, zap.Error(err))
}

func (in *isolate) failShape(msg, field string) {
	in.log.Warn(msg, zap.String("field", field))
}

func recoveredError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

func asNumber(v goja.Value) (n float64, ok bool) {
	defer func() {
		if recover() != nil {
			n, ok = 0, false
		}
	}()
	if v == nil {
		return 0, false
	}
	switch x := v.Export().(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func asString(v goja.Value) (s string, ok bool) {
	defer func() {
		if recover() != nil {
			s, ok = "", false
		}
	}()
	if v == nil {
		return "", false
	}
	s, ok = v.Export().(string)
	return s, ok
}
