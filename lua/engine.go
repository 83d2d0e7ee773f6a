package lua

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/raniellyferreira/redis-inmemory-server/protocol"
	lua "github.com/yuin/gopher-lua"
)

// ErrNoScript is returned by EvalSHA for an unknown digest
var ErrNoScript = errors.New("NOSCRIPT No matching script. Please use EVAL.")

// Executor runs one command issued by a script and returns its reply
type Executor interface {
	Execute(ctx context.Context, cmd *protocol.Command) protocol.Value
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, cmd *protocol.Command) protocol.Value

// Execute calls f
func (f ExecutorFunc) Execute(ctx context.Context, cmd *protocol.Command) protocol.Value {
	return f(ctx, cmd)
}

// Engine provides Redis-compatible Lua script execution
type Engine struct {
	exec    Executor
	scripts *xsync.MapOf[string, string] // SHA1 -> script body
}

// NewEngine creates a new Lua execution engine issuing commands to exec
func NewEngine(exec Executor) *Engine {
	return &Engine{
		exec:    exec,
		scripts: xsync.NewMapOf[string, string](),
	}
}

// Eval executes a Lua script with the given keys and arguments. The script
// body is cached so a later EVALSHA finds it.
func (e *Engine) Eval(ctx context.Context, script string, keys, args []string) (protocol.Value, error) {
	e.LoadScript(script)
	return e.run(ctx, script, keys, args)
}

// EvalSHA executes a previously loaded script by its SHA1 hash
func (e *Engine) EvalSHA(ctx context.Context, sha string, keys, args []string) (protocol.Value, error) {
	script, ok := e.scripts.Load(strings.ToLower(sha))
	if !ok {
		return protocol.Value{}, ErrNoScript
	}
	return e.run(ctx, script, keys, args)
}

// LoadScript caches a script and returns its SHA1 hash
func (e *Engine) LoadScript(script string) string {
	sum := sha1.Sum([]byte(script))
	hash := hex.EncodeToString(sum[:])
	e.scripts.Store(hash, script)
	return hash
}

// ScriptExists reports, per hash, whether the script is cached
func (e *Engine) ScriptExists(hashes []string) []bool {
	results := make([]bool, len(hashes))
	for i, hash := range hashes {
		_, results[i] = e.scripts.Load(strings.ToLower(hash))
	}
	return results
}

// ScriptFlush removes all cached scripts
func (e *Engine) ScriptFlush() {
	e.scripts.Clear()
}

// ScriptCount returns the number of cached scripts
func (e *Engine) ScriptCount() int {
	return e.scripts.Size()
}

func (e *Engine) run(ctx context.Context, script string, keys, args []string) (protocol.Value, error) {
	L := newState()
	defer L.Close()
	L.SetContext(ctx)

	e.setupRedisAPI(ctx, L, keys, args)

	fn, err := L.LoadString(script)
	if err != nil {
		return protocol.Value{}, fmt.Errorf("Error compiling script: %v", err)
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) {
			return protocol.Value{}, fmt.Errorf("Error running script: %s", apiErr.Object.String())
		}
		return protocol.Value{}, fmt.Errorf("Error running script: %v", err)
	}

	return toReply(L.Get(-1)), nil
}

// newState opens a state with only the libraries scripts may use
func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	return L
}

// setupRedisAPI installs KEYS, ARGV and the redis table
func (e *Engine) setupRedisAPI(ctx context.Context, L *lua.LState, keys, args []string) {
	L.SetGlobal("KEYS", stringTable(L, keys))
	L.SetGlobal("ARGV", stringTable(L, args))

	redisTable := L.NewTable()
	L.SetFuncs(redisTable, map[string]lua.LGFunction{
		"call": func(L *lua.LState) int {
			reply := e.execute(ctx, L)
			if reply.IsError() {
				L.RaiseError("%s", reply.Error())
				return 0
			}
			L.Push(toLua(L, reply))
			return 1
		},
		"pcall": func(L *lua.LState) int {
			L.Push(toLua(L, e.execute(ctx, L)))
			return 1
		},
		"status_reply": func(L *lua.LState) int {
			t := L.NewTable()
			t.RawSetString("ok", lua.LString(L.CheckString(1)))
			L.Push(t)
			return 1
		},
		"error_reply": func(L *lua.LState) int {
			t := L.NewTable()
			t.RawSetString("err", lua.LString(L.CheckString(1)))
			L.Push(t)
			return 1
		},
	})
	L.SetGlobal("redis", redisTable)
}

// execute turns the call arguments into a command and runs it
func (e *Engine) execute(ctx context.Context, L *lua.LState) protocol.Value {
	argc := L.GetTop()
	if argc == 0 {
		return protocol.NewError("ERR Please specify at least one argument for this redis lib call")
	}

	tokens := make([]string, argc)
	for i := 1; i <= argc; i++ {
		switch v := L.Get(i).(type) {
		case lua.LString:
			tokens[i-1] = string(v)
		case lua.LNumber:
			tokens[i-1] = v.String()
		default:
			return protocol.NewError("ERR Lua redis lib command arguments must be strings or integers")
		}
	}

	return e.exec.Execute(ctx, &protocol.Command{
		Name: strings.ToUpper(tokens[0]),
		Args: tokens[1:],
	})
}

func stringTable(L *lua.LState, items []string) *lua.LTable {
	t := L.NewTable()
	for i, item := range items {
		t.RawSetInt(i+1, lua.LString(item))
	}
	return t
}

// toLua converts a command reply the way Redis hands replies to scripts:
// nil becomes false, status and error replies become {ok=...} and {err=...}
func toLua(L *lua.LState, v protocol.Value) lua.LValue {
	switch v.Type {
	case protocol.TypeInteger:
		return lua.LNumber(v.Integer)
	case protocol.TypeBulkString:
		if v.IsNull {
			return lua.LFalse
		}
		return lua.LString(v.Data)
	case protocol.TypeSimpleString:
		t := L.NewTable()
		t.RawSetString("ok", lua.LString(v.Data))
		return t
	case protocol.TypeError:
		t := L.NewTable()
		t.RawSetString("err", lua.LString(v.Data))
		return t
	case protocol.TypeArray:
		if v.IsNull {
			return lua.LFalse
		}
		t := L.NewTable()
		for i, item := range v.Array {
			t.RawSetInt(i+1, toLua(L, item))
		}
		return t
	}
	return lua.LNil
}

// toReply converts a script's return value. Numbers are truncated to
// integers and arrays stop at the first nil.
func toReply(lv lua.LValue) protocol.Value {
	switch v := lv.(type) {
	case lua.LBool:
		if v {
			return protocol.NewInteger(1)
		}
		return protocol.NewNullBulkString()
	case lua.LNumber:
		return protocol.NewInteger(int64(v))
	case lua.LString:
		return protocol.NewBulkString(string(v))
	case *lua.LTable:
		if errValue, ok := v.RawGetString("err").(lua.LString); ok {
			return protocol.NewError(string(errValue))
		}
		if okValue, ok := v.RawGetString("ok").(lua.LString); ok {
			return protocol.NewSimpleString(string(okValue))
		}
		items := []protocol.Value{}
		for i := 1; ; i++ {
			item := v.RawGetInt(i)
			if item == lua.LNil {
				break
			}
			items = append(items, toReply(item))
		}
		return protocol.NewArray(items...)
	}
	return protocol.NewNullBulkString()
}
