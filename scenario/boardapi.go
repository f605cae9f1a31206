package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"

	"github.com/srg/fwtap/board"
	"github.com/srg/fwtap/logtap"
)

// API wires a board driver into a script engine as the global `board`
// table. Scripts drive the firmware console through it:
//
//	local info, err = board.send("get_device_info")
//	board.send_nowait("sys_reboot")
//	local rec = board.wait_event{pattern = "bt init ok", timeout_ms = 30000}
type API struct {
	// Engine runs the scripts. Exposed so callers can reach the output
	// channel and loading methods directly.
	Engine *Engine

	board *board.Board
	log   *logrus.Logger
}

// NewBoardAPI creates an engine with the `board` table registered for
// the given driver.
func NewBoardAPI(b *board.Board, log *logrus.Logger) *API {
	if log == nil {
		log = logrus.StandardLogger()
	}
	api := &API{
		Engine: NewEngine(log),
		board:  b,
		log:    log,
	}
	api.Reset()
	return api
}

// Reset rebuilds the Lua state and re-registers the board table.
func (api *API) Reset() {
	api.Engine.Reset()
	api.register()
}

// Close tears down the underlying engine.
func (api *API) Close() {
	api.Engine.Close()
}

// LoadScript delegates to the engine.
func (api *API) LoadScript(script, name string) error {
	return api.Engine.LoadScript(script, name)
}

// LoadScriptFile delegates to the engine.
func (api *API) LoadScriptFile(path string) error {
	return api.Engine.LoadScriptFile(path)
}

// Run delegates to the engine.
func (api *API) Run(ctx context.Context) error {
	return api.Engine.Run(ctx)
}

// OutputChannel delegates to the engine.
func (api *API) OutputChannel() <-chan OutputRecord {
	return api.Engine.OutputChannel()
}

// register builds the board table on the current Lua state.
func (api *API) register() {
	api.Engine.DoWithState(func(L *lua.State) {
		L.NewTable()

		// Static identity fields, known at registration time.
		L.PushString("id")
		L.PushString(api.board.ID())
		L.SetTable(-3)

		L.PushString("address")
		L.PushString(api.board.Config().BluetoothAddress)
		L.SetTable(-3)

		L.PushString("port")
		L.PushString(api.board.Config().SerialPort)
		L.SetTable(-3)

		api.registerSend(L)
		api.registerSendNoWait(L)
		api.registerWaitEvent(L)
		api.registerInfo(L)
		api.registerSleep(L)
		api.registerLog(L)

		L.SetGlobal("board")
	})
}

// pushBinding pushes a name and a panic-guarded Go function onto the
// Lua stack. The caller follows up with L.SetTable(-3).
func (api *API) pushBinding(L *lua.State, name string, fn func(*lua.State) int) {
	L.PushString(name)
	L.PushGoFunction(api.safeWrap("board."+name, fn))
}

// safeWrap converts Go panics inside a binding into Lua errors so a
// broken binding fails the script instead of the process. Lua errors
// raised by the binding itself pass through untouched.
func (api *API) safeWrap(name string, fn func(*lua.State) int) func(*lua.State) int {
	return func(L *lua.State) int {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(*lua.LuaError); ok {
					panic(r)
				}
				api.log.WithFields(logrus.Fields{
					"binding": name,
					"panic":   r,
				}).Error("script binding panicked")
				L.RaiseError(fmt.Sprintf("%s: internal error: %v", name, r))
			}
		}()
		return fn(L)
	}
}

// registerSend registers board.send(command).
// Returns (response_message, nil) on success or (nil, error_message)
// when the firmware rejects or fails the command.
func (api *API) registerSend(L *lua.State) {
	api.pushBinding(L, "send", func(L *lua.State) int {
		// IsString accepts numbers too, check the actual type.
		if L.Type(1) != lua.LUA_TSTRING {
			L.RaiseError("send(command) expects a string argument")
			return 0
		}
		msg, err := api.board.Command(board.Cmd(L.ToString(1)))
		if err != nil {
			L.PushNil()
			L.PushString(err.Error())
			return 2
		}
		L.PushString(msg)
		L.PushNil()
		return 2
	})
	L.SetTable(-3)
}

// registerSendNoWait registers board.send_nowait(command), for commands
// that never answer, like reboots.
// Returns (true, nil) on success or (nil, error_message) on failure.
func (api *API) registerSendNoWait(L *lua.State) {
	api.pushBinding(L, "send_nowait", func(L *lua.State) int {
		if L.Type(1) != lua.LUA_TSTRING {
			L.RaiseError("send_nowait(command) expects a string argument")
			return 0
		}
		if err := api.board.CommandNoWait(board.Cmd(L.ToString(1))); err != nil {
			L.PushNil()
			L.PushString(err.Error())
			return 2
		}
		L.PushBoolean(true)
		L.PushNil()
		return 2
	})
	L.SetTable(-3)
}

// registerWaitEvent registers board.wait_event(pattern | opts).
//
// The argument is either a pattern string or a table with any of
// pattern, tag, level and timeout_ms keys; timeout_ms defaults to the
// board's exec timeout. Returns (record, nil) on a match, (nil, nil)
// when the timeout elapses, or (nil, error_message) when the wait could
// not be armed.
func (api *API) registerWaitEvent(L *lua.State) {
	api.pushBinding(L, "wait_event", func(L *lua.State) int {
		opts := logtap.EventOptions{Pattern: ".*", Tag: "*", Level: "*"}
		timeout := api.board.Config().ExecTimeout

		switch {
		case L.Type(1) == lua.LUA_TSTRING:
			opts.Pattern = L.ToString(1)
		case L.IsTable(1):
			opts, timeout = api.parseWaitOptions(L, 1, opts, timeout)
		default:
			L.RaiseError("wait_event(opts) expects a pattern string or an options table")
			return 0
		}

		pub, err := api.board.Publisher()
		if err != nil {
			L.PushNil()
			L.PushString(err.Error())
			return 2
		}
		sub, err := pub.Event(opts)
		if err != nil {
			L.PushNil()
			L.PushString(err.Error())
			return 2
		}
		defer sub.Close()

		select {
		case <-sub.Done():
			pushRecord(L, sub.Trigger())
			L.PushNil()
			return 2
		case <-time.After(timeout):
			L.PushNil()
			L.PushNil()
			return 2
		case <-api.Engine.runContext().Done():
			L.RaiseError("wait_event() interrupted: script canceled")
			return 0
		}
	})
	L.SetTable(-3)
}

// parseWaitOptions reads the wait_event options table at tableIndex.
func (api *API) parseWaitOptions(L *lua.State, tableIndex int, opts logtap.EventOptions, timeout time.Duration) (logtap.EventOptions, time.Duration) {
	if tableIndex < 0 {
		tableIndex = L.GetTop() + tableIndex + 1
	}

	L.PushString("pattern")
	L.GetTable(tableIndex)
	if L.IsString(-1) {
		opts.Pattern = L.ToString(-1)
	}
	L.Pop(1)

	L.PushString("tag")
	L.GetTable(tableIndex)
	if L.IsString(-1) {
		opts.Tag = L.ToString(-1)
	}
	L.Pop(1)

	L.PushString("level")
	L.GetTable(tableIndex)
	if L.IsString(-1) {
		opts.Level = L.ToString(-1)
	}
	L.Pop(1)

	L.PushString("timeout_ms")
	L.GetTable(tableIndex)
	if L.IsNumber(-1) {
		if ms := L.ToInteger(-1); ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	L.Pop(1)

	return opts, timeout
}

// pushRecord pushes a log record onto the Lua stack as a table.
func pushRecord(L *lua.State, rec *logtap.Record) {
	L.NewTable()

	L.PushString("tag")
	L.PushString(rec.Tag)
	L.SetTable(-3)

	L.PushString("level")
	L.PushString(rec.Level.String())
	L.SetTable(-3)

	L.PushString("message")
	L.PushString(rec.Message)
	L.SetTable(-3)

	L.PushString("raw")
	L.PushString(rec.Raw)
	L.SetTable(-3)

	L.PushString("device_time")
	L.PushString(rec.DeviceTime)
	L.SetTable(-3)

	L.PushString("seq")
	L.PushInteger(int64(rec.Seq))
	L.SetTable(-3)
}

// registerInfo registers board.info().
//
// Returns a dual-purpose table holding the device info: the array part
// lists the field names in firmware order for ipairs(), the hash part
// maps each name to its value.
func (api *API) registerInfo(L *lua.State) {
	api.pushBinding(L, "info", func(L *lua.State) int {
		fields, err := api.board.DeviceInfoMap()
		if err != nil {
			L.PushNil()
			L.PushString(err.Error())
			return 2
		}

		L.NewTable()
		index := 1
		for pair := fields.Oldest(); pair != nil; pair = pair.Next() {
			L.PushInteger(int64(index))
			L.PushString(pair.Key)
			L.SetTable(-3)

			L.PushString(pair.Key)
			L.PushString(pair.Value)
			L.SetTable(-3)
			index++
		}
		L.PushNil()
		return 2
	})
	L.SetTable(-3)
}

// registerSleep registers board.sleep(milliseconds). The sleep aborts
// with a Lua error when the running script is canceled.
func (api *API) registerSleep(L *lua.State) {
	api.pushBinding(L, "sleep", func(L *lua.State) int {
		if !L.IsNumber(1) {
			L.RaiseError("sleep(milliseconds) expects a number argument")
			return 0
		}
		ms := L.ToInteger(1)
		if ms < 0 {
			L.RaiseError("sleep(milliseconds) expects a non-negative number")
			return 0
		}

		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-api.Engine.runContext().Done():
			L.RaiseError("sleep() interrupted: script canceled")
		}
		return 0
	})
	L.SetTable(-3)
}

// registerLog registers board.log(message), which writes through the
// host logger tagged with the board id.
func (api *API) registerLog(L *lua.State) {
	api.pushBinding(L, "log", func(L *lua.State) int {
		var msg string
		switch {
		case L.IsNil(1):
			msg = "nil"
		case L.IsBoolean(1):
			msg = fmt.Sprintf("%t", L.ToBoolean(1))
		case L.IsNumber(1) || L.IsString(1):
			msg = L.ToString(1)
		default:
			L.RaiseError("log(message) expects a string, number or boolean")
			return 0
		}
		api.log.WithField("board", api.board.ID()).Info(msg)
		return 0
	})
	L.SetTable(-3)
}
