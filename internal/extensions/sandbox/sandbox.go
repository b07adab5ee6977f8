// Package sandbox builds the isolated JavaScript execution context each
// extension worker runs in: a goja.Runtime with a restricted CommonJS
// module resolver (spec §4.3). There is no teacher precedent for in-process
// JS execution, so this package is grounded directly on the
// github.com/dop251/goja and github.com/dop251/goja_nodejs dependencies
// named across the retrieved example pack's go.mod manifests, used the way
// their own documentation describes: one goja.Runtime per isolated
// context, a require.Registry with a custom SourceLoader for module
// resolution, and goja_nodejs/console wired to the host's own logger
// instead of stdout.
package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/logging"
)

// apiModuleSpecifier is the only module specifier that does not resolve to
// a file under the extension's own directory. Extension code imports it to
// reach the privileged API surface:
//
//	const api = require('apex:extension-api')
const apiModuleSpecifier = "apex:extension-api"

// deniedBuiltins are Node built-in module names an extension must never
// be able to resolve, regardless of what's actually installed alongside
// it (spec §4.3: "no filesystem or child-process access").
var deniedBuiltins = map[string]bool{
	"fs": true, "fs/promises": true, "child_process": true, "net": true,
	"dgram": true, "tls": true, "cluster": true, "worker_threads": true,
	"vm": true, "vm2": true, "os": true, "dns": true, "http": true,
	"https": true, "http2": true, "inspector": true, "repl": true,
}

// Bridge is the privileged call surface a Sandbox exposes to extension
// code as the apex:extension-api module. Implementations live in the api
// package; Dispatch receives and returns already-marshaled JSON so the
// sandbox package never needs to know the dispatcher's Go types.
type Bridge interface {
	Dispatch(ctx context.Context, method string, argsJSON string) (string, error)
}

// Options configures a single Sandbox instance.
type Options struct {
	// RootDir is the extension's installation directory. Relative
	// requires resolve under it; resolution that would escape it
	// (via "../" or a symlink) is rejected.
	RootDir string

	// Bridge backs the synthetic apex:extension-api module.
	Bridge Bridge

	// MemoryLimitBytes bounds the process-wide heap growth sampled
	// while this sandbox's main script or a worker callback is running.
	// This is a coarse approximation, not a per-runtime memory cap —
	// goja provides no way to account allocations to a single Runtime,
	// so the monitor samples runtime.MemStats and interrupts the VM
	// if growth since NewSandbox crosses the limit. See SPEC_FULL.md §5.
	MemoryLimitBytes int64

	// MemoryPollInterval overrides the default sampling interval.
	MemoryPollInterval time.Duration
}

// Sandbox owns one goja.Runtime and the resolver restricting what it can
// require. It is not safe for concurrent use by more than one goroutine —
// exactly like the worker that owns it (spec §5: one worker, one
// goroutine, one Runtime).
type Sandbox struct {
	vm      *goja.Runtime
	rootDir string

	memLimit   int64
	baseAlloc  uint64
	pollEvery  time.Duration
	stopMemMon chan struct{}
	memMonOnce sync.Once
}

// New constructs a Sandbox rooted at opts.RootDir. It resolves the root
// with filepath.EvalSymlinks once, here, and every require() afterwards is
// confined against that resolved path.
func New(opts Options) (*Sandbox, error) {
	realRoot, err := filepath.EvalSymlinks(opts.RootDir)
	if err != nil {
		return nil, &extensions.SandboxPolicyError{Detail: fmt.Sprintf("could not resolve extension root %q: %v", opts.RootDir, err)}
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	registry := require.NewRegistry(
		require.WithLoader(fileLoader(realRoot)),
	)
	registry.RegisterNativeModule(apiModuleSpecifier, nativeAPIModule(opts.Bridge))
	for name := range deniedBuiltins {
		name := name
		registry.RegisterNativeModule(name, func(rt *goja.Runtime, mod *goja.Object) {
			panic(rt.NewGoError(&extensions.SandboxPolicyError{
				Detail: fmt.Sprintf("module %q is not available to extensions", name),
			}))
		})
	}
	registry.Enable(vm)

	// console.log/info/warn/error only; no stdout/stderr handle is ever
	// given to extension code, so output always passes through the
	// host's own zap logger instead of the process's real streams.
	console.Enable(vm, console.WithPrinter(extensionPrinter{rootDir: realRoot}))

	s := &Sandbox{
		vm:         vm,
		rootDir:    realRoot,
		memLimit:   opts.MemoryLimitBytes,
		pollEvery:  opts.MemoryPollInterval,
		stopMemMon: make(chan struct{}),
	}
	if s.pollEvery <= 0 {
		s.pollEvery = 50 * time.Millisecond
	}
	return s, nil
}

// Runtime returns the underlying goja.Runtime, for the worker package to
// install per-call globals (request IDs, deadlines) before invoking
// extension functions.
func (s *Sandbox) Runtime() *goja.Runtime { return s.vm }

// RunMain loads and executes the extension's main module, returning its
// module.exports value. Errors from denied requires or path escapes are
// already *extensions.SandboxPolicyError by the time they surface here;
// every other runtime panic is wrapped as one, since any uncaught
// exception while loading the main module is itself a sandbox-policy
// outcome (the extension never gets to run at all).
func (s *Sandbox) RunMain(mainPath string) (goja.Value, error) {
	requireFn, ok := goja.AssertFunction(s.vm.Get("require"))
	if !ok {
		return nil, &extensions.SandboxPolicyError{Detail: "require() was not installed in this sandbox"}
	}
	var result goja.Value
	err := s.guarded(func() {
		v, callErr := requireFn(goja.Undefined(), s.vm.ToValue("./"+mainPath))
		if callErr != nil {
			panic(callErr)
		}
		result = v
	})
	return result, err
}

// Call invokes a goja.Callable obtained from this sandbox's runtime (an
// extension's exported activate/deactivate function, or a handler it
// registered), translating any panic the same way RunMain does. The
// worker package uses this instead of calling fn directly so every
// extension->host boundary shares one panic-to-error translation.
func (s *Sandbox) Call(fn goja.Callable, this goja.Value, args ...goja.Value) (goja.Value, error) {
	var result goja.Value
	err := s.guarded(func() {
		v, callErr := fn(this, args...)
		if callErr != nil {
			panic(callErr)
		}
		result = v
	})
	return result, err
}

// guarded runs fn, converting any goja panic (including the ones this
// package raises itself for denied modules) into a plain Go error.
func (s *Sandbox) guarded(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = translatePanic(r)
		}
	}()
	fn()
	return nil
}

func translatePanic(r interface{}) error {
	if gex, ok := r.(*goja.Exception); ok {
		msg := gex.Error()
		if strings.Contains(msg, "import(") || strings.Contains(msg, "Unexpected token 'import'") || strings.Contains(msg, "dynamic import") {
			return &extensions.SandboxPolicyError{Detail: "Dynamic import is not allowed"}
		}
		if val := gex.Value(); val != nil {
			if obj, ok := val.Export().(error); ok {
				return obj
			}
		}
		return &extensions.SandboxPolicyError{Detail: msg}
	}
	if err, ok := r.(error); ok {
		return err
	}
	return &extensions.SandboxPolicyError{Detail: fmt.Sprintf("%v", r)}
}

// StartMemoryMonitor begins sampling runtime.MemStats and interrupts the
// VM once allocation growth since the sandbox was created exceeds
// MemoryLimitBytes. A no-op if no limit was configured. Safe to call at
// most once per Sandbox.
func (s *Sandbox) StartMemoryMonitor() {
	if s.memLimit <= 0 {
		return
	}
	s.memMonOnce.Do(func() {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		s.baseAlloc = ms.Alloc
		go s.monitorLoop()
	})
}

func (s *Sandbox) monitorLoop() {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopMemMon:
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if ms.Alloc > s.baseAlloc && int64(ms.Alloc-s.baseAlloc) > s.memLimit {
				s.vm.Interrupt(&extensions.MemoryLimitInterrupt{})
				return
			}
		}
	}
}

// Close stops the memory monitor and interrupts any in-flight execution.
func (s *Sandbox) Close() {
	select {
	case <-s.stopMemMon:
	default:
		close(s.stopMemMon)
	}
	s.vm.Interrupt("sandbox closed")
}

// extensionPrinter routes console.* calls from extension code into the
// host's structured logger, tagged with the extension's root directory
// so log lines from different extensions are distinguishable.
type extensionPrinter struct {
	rootDir string
}

func (p extensionPrinter) Log(s string)   { logging.S().Infow(s, "extensionRoot", p.rootDir) }
func (p extensionPrinter) Warn(s string)  { logging.S().Warnw(s, "extensionRoot", p.rootDir) }
func (p extensionPrinter) Error(s string) { logging.S().Errorw(s, "extensionRoot", p.rootDir) }

// fileLoader returns a require.SourceLoader confined to root: any
// resolved path outside root, after symlink evaluation, is rejected.
func fileLoader(root string) require.SourceLoader {
	return func(path string) ([]byte, error) {
		clean := filepath.Clean(path)
		if !filepath.IsAbs(clean) {
			clean = filepath.Join(root, clean)
		}
		resolved, err := filepath.EvalSymlinks(clean)
		if err != nil {
			return nil, &extensions.SandboxPolicyError{Detail: fmt.Sprintf("module %q could not be resolved: %v", path, err)}
		}
		rel, err := filepath.Rel(root, resolved)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, &extensions.SandboxPolicyError{Detail: fmt.Sprintf("module path %q escapes the extension directory", path)}
		}
		return require.DefaultSourceLoader(resolved)
	}
}

// nativeAPIModule builds the apex:extension-api native module, a thin JS
// shim whose every export forwards synchronously into Bridge.Dispatch.
// Each worker goroutine blocks on its own call into the bridge, which is
// exactly the "one goroutine owns one Runtime, cooperative within it"
// model spec §5 describes — concurrency across extensions comes from
// running one of these per worker goroutine, not from anything inside a
// single Runtime.
func nativeAPIModule(bridge Bridge) require.ModuleLoader {
	return func(vmRt *goja.Runtime, module *goja.Object) {
		exports := module.Get("exports").(*goja.Object)
		exports.Set("__dispatch", func(call goja.FunctionCall) goja.Value {
			if bridge == nil {
				panic(vmRt.NewGoError(&extensions.SandboxPolicyError{Detail: "no API bridge is attached to this sandbox"}))
			}
			method := call.Argument(0).String()
			argsJSON := call.Argument(1).String()
			resultJSON, err := bridge.Dispatch(context.Background(), method, argsJSON)
			if err != nil {
				panic(vmRt.NewGoError(err))
			}
			return vmRt.ToValue(resultJSON)
		})
	}
}
