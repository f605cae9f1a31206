// Package scenario runs Lua scripts against a board. Scripts get a
// `board` table bound to the driver, `print` output is captured instead
// of written to the process stdout, and the file and process surface of
// the Lua stdlib is blocked.
package scenario

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
)

// Script error kinds.
const (
	KindSyntax  = "syntax"
	KindRuntime = "runtime"
	KindAPI     = "api"
)

// Output record sources.
const (
	OutputStdout = "stdout"
	OutputStderr = "stderr"
)

// outputBacklog bounds how much unread script output is kept before the
// oldest lines are dropped.
const outputBacklog = 256

// OutputRecord is one line of captured script output.
type OutputRecord struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// ScriptError describes a script failure with whatever location info
// the Lua error message carried.
type ScriptError struct {
	Kind    string
	Message string
	Line    int
	Source  string
	Err     error
}

func (e *ScriptError) Error() string {
	var loc []string
	if e.Source != "" {
		loc = append(loc, e.Source)
	}
	if e.Line > 0 {
		loc = append(loc, fmt.Sprintf("line %d", e.Line))
	}
	if len(loc) > 0 {
		return fmt.Sprintf("lua %s error (%s): %s", e.Kind, strings.Join(loc, ", "), e.Message)
	}
	return fmt.Sprintf("lua %s error: %s", e.Kind, e.Message)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Is matches any *ScriptError with the same kind. A target with an
// empty Kind matches every script error.
func (e *ScriptError) Is(target error) bool {
	t, ok := target.(*ScriptError)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// luaLineRegex picks the chunk line number out of a Lua error message,
// e.g. `[string "..."]:3: attempt to call a nil value`.
var luaLineRegex = regexp.MustCompile(`:(\d+): (.*)`)

func parseScriptError(kind, source, msg string, underlying error) *ScriptError {
	se := &ScriptError{Kind: kind, Source: source, Message: msg, Err: underlying}
	if m := luaLineRegex.FindStringSubmatch(msg); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			se.Line = n
			se.Message = m[2]
		}
	}
	return se
}

// sandboxChunk disarms the stdlib functions that touch files or the
// process. Scripts drive hardware; that is all they should reach.
const sandboxChunk = `
local function blocked(name)
	return function() error(name .. " is blocked", 2) end
end
os.execute = blocked("os.execute")
os.exit = blocked("os.exit")
os.remove = blocked("os.remove")
os.rename = blocked("os.rename")
io.read = blocked("io.read")
io.lines = blocked("io.lines")
io.open = blocked("io.open")
dofile = blocked("dofile")
loadfile = blocked("loadfile")
`

// Engine is a guarded Lua state with print capture. Not safe to drive
// from multiple goroutines except through its methods. Close is
// terminal; a closed engine cannot be reused.
type Engine struct {
	log    *logrus.Logger
	output *RingChannel[OutputRecord]

	mu     sync.Mutex
	state  *lua.State
	script string
	name   string

	ctxMu  sync.Mutex
	runCtx context.Context
}

// NewEngine creates an engine with a fresh Lua state. A nil logger
// falls back to the standard logger.
func NewEngine(log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		log:    log,
		output: NewRingChannel[OutputRecord](outputBacklog),
	}
	e.Reset()
	return e
}

// OutputChannel exposes captured script output. The channel is closed
// by Close.
func (e *Engine) OutputChannel() <-chan OutputRecord {
	return e.output.C()
}

// DoWithState runs fn with exclusive access to the Lua state. fn is not
// called on a closed engine.
func (e *Engine) DoWithState(fn func(L *lua.State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return
	}
	fn(e.state)
}

// Reset discards the Lua state and builds a fresh one. The loaded
// script is kept; bindings registered on the old state are gone.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
	}
	e.state = lua.NewState()
	e.state.OpenLibs()
	e.installPrintCapture()
	e.installSandbox()
}

// Close tears the Lua state down and closes the output channel.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return
	}
	e.state.Close()
	e.state = nil
	e.output.Close()
}

// LoadScriptFile reads and validates a script from disk.
func (e *Engine) LoadScriptFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script %s: %w", path, err)
	}
	return e.LoadScript(string(content), path)
}

// LoadScript compiles the script to catch syntax errors up front and
// remembers it for Run. name shows up in error messages.
func (e *Engine) LoadScript(script, name string) error {
	if script == "" {
		return &ScriptError{Kind: KindAPI, Message: "empty script", Source: name}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return &ScriptError{Kind: KindAPI, Message: "engine is closed", Source: name}
	}
	if status := e.state.LoadString(script); status != 0 {
		serr := e.popError(KindSyntax, name)
		e.emitStderr("lua syntax error: " + serr.Message)
		return serr
	}
	e.state.Pop(1)
	e.script, e.name = script, name
	return nil
}

// Run executes the loaded script. The context is visible to blocking
// board bindings, which abort with a Lua error when it ends; Run then
// reports the context's error.
func (e *Engine) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.setRunContext(ctx)
	defer e.setRunContext(nil)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return &ScriptError{Kind: KindAPI, Message: "engine is closed"}
	}
	if e.script == "" {
		return &ScriptError{Kind: KindAPI, Message: "no script loaded"}
	}

	if err := e.state.DoString(e.script); err != nil {
		e.state.SetTop(0)
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		serr := parseScriptError(KindRuntime, e.name, err.Error(), err)
		e.emitStderr("lua runtime error: " + serr.Message)
		return serr
	}
	return nil
}

func (e *Engine) setRunContext(ctx context.Context) {
	e.ctxMu.Lock()
	e.runCtx = ctx
	e.ctxMu.Unlock()
}

// runContext returns the context of the Run in progress, for bindings
// called from inside the script.
func (e *Engine) runContext() context.Context {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

func (e *Engine) emitStderr(msg string) {
	e.output.ForceSend(OutputRecord{
		Content:   msg + "\n",
		Timestamp: time.Now(),
		Source:    OutputStderr,
	})
}

// popError lifts the error message off the Lua stack after a failed
// load.
func (e *Engine) popError(kind, source string) *ScriptError {
	msg := "unknown lua error"
	if e.state.GetTop() > 0 {
		if e.state.IsString(-1) {
			msg = e.state.ToString(-1)
		}
		e.state.Pop(1)
	}
	return parseScriptError(kind, source, msg, nil)
}

// installPrintCapture reroutes print into the output channel. Values
// are joined with tabs the way the stock print does it.
func (e *Engine) installPrintCapture() {
	L := e.state
	L.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				if L.ToBoolean(i) {
					parts = append(parts, "true")
				} else {
					parts = append(parts, "false")
				}
			case L.IsNumber(i):
				parts = append(parts, fmt.Sprintf("%v", L.ToNumber(i)))
			case L.IsString(i):
				parts = append(parts, L.ToString(i))
			default:
				L.GetGlobal("tostring")
				L.PushValue(i)
				L.Call(1, 1)
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}
		e.output.ForceSend(OutputRecord{
			Content:   strings.Join(parts, "\t") + "\n",
			Timestamp: time.Now(),
			Source:    OutputStdout,
		})
		return 0
	})
	L.SetGlobal("print")
}

func (e *Engine) installSandbox() {
	if err := e.state.DoString(sandboxChunk); err != nil {
		e.log.WithError(err).Error("failed to install the script sandbox")
	}
}
