// Package sandbox isolates execution of record-resident code (function.code,
// policy.code) behind a fresh goja VM per call, a hard wall-clock timeout,
// and a ctx-only capability surface (§4.10). Grounded on the teacher's
// system/tee.gojaScriptEngine: one goja.New() per invocation for isolation,
// console.log capture, a builtins shim, goja.AssertFunction to resolve the
// entry point. Added here: a hard timeout via vm.Interrupt (the teacher's
// engine has none), and a compile-vs-runtime error distinction surfaced as a
// typed Error instead of a bare error string.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/loglineos/core/internal/ledgererr"
)

// ErrorKind distinguishes compile-time from runtime sandbox failures (§4.10
// "Compile errors surface as {kind:'compile', detail}; runtime errors as
// {kind:'runtime', detail}").
type ErrorKind string

const (
	ErrorKindCompile ErrorKind = "compile"
	ErrorKindRuntime ErrorKind = "runtime"
	ErrorKindTimeout ErrorKind = "timeout"
)

// Error is the structured failure shape record-resident code produces.
type Error struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

func (e *Error) Error() string { return fmt.Sprintf("sandbox: %s: %s", e.Kind, e.Detail) }

// Request is one sandboxed evaluation.
type Request struct {
	Script     string
	EntryPoint string // defaults to "main" if empty
	Input      any
	Bindings   map[string]any // additional globals exposed to the script (e.g. "ctx")
	Timeout    time.Duration
}

// Result is the outcome of one sandboxed evaluation.
type Result struct {
	Output     any
	Logs       []string
	DurationMs int64
	Failure    *Error
}

// Run executes req.Script in a fresh, isolated VM and calls its entry point
// function with req.Input, enforcing req.Timeout as a hard wall-clock limit.
// Run itself never returns a Go error for script-side failures — those are
// reported via Result.Failure, matching the "convert at the execution-record
// boundary" design note (§9).
func Run(ctx context.Context, req Request) Result {
	started := time.Now()
	entry := req.EntryPoint
	if entry == "" {
		entry = "main"
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	var logs []string
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]any, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.Export())
		}
		logs = append(logs, fmt.Sprint(parts...))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	for name, value := range req.Bindings {
		_ = vm.Set(name, value)
	}

	if _, err := vm.RunString(builtins); err != nil {
		return Result{Failure: &Error{Kind: ErrorKindCompile, Detail: err.Error()}, DurationMs: elapsedMs(started)}
	}

	program, err := goja.Compile("script.js", req.Script, false)
	if err != nil {
		return Result{Failure: &Error{Kind: ErrorKindCompile, Detail: err.Error()}, DurationMs: elapsedMs(started)}
	}

	if _, err := vm.RunProgram(program); err != nil {
		return Result{Failure: &Error{Kind: ErrorKindCompile, Detail: err.Error()}, DurationMs: elapsedMs(started)}
	}

	fn, ok := goja.AssertFunction(vm.Get(entry))
	if !ok {
		return Result{Failure: &Error{Kind: ErrorKindCompile, Detail: fmt.Sprintf("entry point %q is not a function", entry)}, DurationMs: elapsedMs(started)}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt(ledgererr.ErrSandboxTimeout)
	})
	defer timer.Stop()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	value, callErr := fn(goja.Undefined(), vm.ToValue(req.Input))
	close(done)

	if callErr != nil {
		if interrupted, ok := callErr.(*goja.InterruptedError); ok {
			if interrupted.Value() == ledgererr.ErrSandboxTimeout {
				return Result{Failure: &Error{Kind: ErrorKindTimeout, Detail: "timeout"}, Logs: logs, DurationMs: elapsedMs(started)}
			}
		}
		return Result{Failure: &Error{Kind: ErrorKindRuntime, Detail: callErr.Error()}, Logs: logs, DurationMs: elapsedMs(started)}
	}

	return Result{Output: value.Export(), Logs: logs, DurationMs: elapsedMs(started)}
}

func elapsedMs(started time.Time) int64 { return time.Since(started).Milliseconds() }

// builtins mirrors the teacher's minimal shim: a crypto.randomUUID helper and
// a base64 encoder available to every sandboxed script without reaching
// outside the VM.
const builtins = `
var crypto = crypto || {};
crypto.randomUUID = crypto.randomUUID || function() {
	var s = '';
	var chars = '0123456789abcdef';
	for (var i = 0; i < 32; i++) { s += chars[Math.floor(Math.random() * 16)]; }
	return s.slice(0,8)+'-'+s.slice(8,12)+'-4'+s.slice(13,16)+'-'+s.slice(16,20)+'-'+s.slice(20,32);
};
var base64 = {
	encode: function(s) {
		var bytes = [];
		for (var i = 0; i < s.length; i++) { bytes.push(s.charCodeAt(i)); }
		var table = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/';
		var out = '';
		for (var i = 0; i < bytes.length; i += 3) {
			var chunk = (bytes[i] << 16) | ((bytes[i+1] || 0) << 8) | (bytes[i+2] || 0);
			out += table[(chunk >> 18) & 63] + table[(chunk >> 12) & 63];
			out += i + 1 < bytes.length ? table[(chunk >> 6) & 63] : '=';
			out += i + 2 < bytes.length ? table[chunk & 63] : '=';
		}
		return out;
	}
};
`
