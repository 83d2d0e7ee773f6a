package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/lua"
	"github.com/raniellyferreira/redis-inmemory-server/protocol"
	"github.com/raniellyferreira/redis-inmemory-server/replication"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

type commandFlags uint8

const (
	flagWrite commandFlags = 1 << iota
	flagBlocking
	flagNoScript
)

type handlerFunc func(ctx context.Context, args []string) protocol.Value

// command describes one dispatchable command. maxArgs of -1 means no upper
// bound; args exclude the command name.
type command struct {
	name    string
	minArgs int
	maxArgs int
	flags   commandFlags
	handler handlerFunc
}

func (s *Server) commandTable() map[string]*command {
	table := []*command{
		{name: "ping", minArgs: 0, maxArgs: 1, handler: s.handlePing},
		{name: "echo", minArgs: 0, maxArgs: 1, handler: s.handleEcho},
		{name: "set", minArgs: 2, maxArgs: -1, flags: flagWrite, handler: s.handleSet},
		{name: "get", minArgs: 1, maxArgs: 1, handler: s.handleGet},
		{name: "del", minArgs: 1, maxArgs: -1, flags: flagWrite, handler: s.handleDel},
		{name: "exists", minArgs: 1, maxArgs: -1, handler: s.handleExists},
		{name: "type", minArgs: 1, maxArgs: -1, handler: s.handleType},
		{name: "keys", minArgs: 0, maxArgs: 1, handler: s.handleKeys},
		{name: "config", minArgs: 2, maxArgs: -1, handler: s.handleConfig},
		{name: "xadd", minArgs: 4, maxArgs: -1, flags: flagWrite, handler: s.handleXAdd},
		{name: "xrange", minArgs: 3, maxArgs: 5, handler: s.handleXRange},
		{name: "xread", minArgs: 3, maxArgs: -1, flags: flagBlocking | flagNoScript, handler: s.handleXRead},
		{name: "info", minArgs: 0, maxArgs: -1, handler: s.handleInfo},
		{name: "wait", minArgs: 2, maxArgs: 2, flags: flagBlocking | flagNoScript, handler: s.handleWait},
		{name: "select", minArgs: 1, maxArgs: 1, handler: s.handleSelect},
		{name: "command", minArgs: 0, maxArgs: -1, handler: s.handleCommand},
		{name: "eval", minArgs: 2, maxArgs: -1, flags: flagNoScript, handler: s.handleEval},
		{name: "evalsha", minArgs: 2, maxArgs: -1, flags: flagNoScript, handler: s.handleEvalSHA},
		{name: "script", minArgs: 1, maxArgs: -1, flags: flagNoScript, handler: s.handleScript},
	}

	commands := make(map[string]*command, len(table))
	for _, cmd := range table {
		commands[strings.ToUpper(cmd.name)] = cmd
	}
	return commands
}

// Execute runs one command against the keyspace and returns its reply
func (s *Server) Execute(ctx context.Context, cmd *protocol.Command) protocol.Value {
	spec, ok := s.commands[cmd.Name]
	if !ok {
		s.recordError("unknown_command")
		return protocol.NewError(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd.Name)))
	}

	if len(cmd.Args) < spec.minArgs || (spec.maxArgs >= 0 && len(cmd.Args) > spec.maxArgs) {
		s.recordError("arity")
		return protocol.NewError(wrongArity(spec.name))
	}

	start := time.Now()
	reply := spec.handler(ctx, cmd.Args)
	duration := time.Since(start)

	s.ops.Mark(1)
	if s.metrics != nil {
		s.metrics.RecordCommandProcessed(spec.name, duration)
	}
	if reply.IsError() {
		s.recordError("command")
	}
	s.logger.Debug("Command processed", "command", spec.name, "args", len(cmd.Args), "duration", duration)
	return reply
}

// executeScripted runs a command issued by redis.call
func (s *Server) executeScripted(ctx context.Context, cmd *protocol.Command) protocol.Value {
	if spec, ok := s.commands[cmd.Name]; ok && spec.flags&flagNoScript != 0 {
		return protocol.NewError("ERR This Redis command is not allowed from script")
	}
	return s.Execute(ctx, cmd)
}

func (s *Server) recordError(errorType string) {
	if s.metrics != nil {
		s.metrics.RecordError(errorType)
	}
}

// propagate forwards a write to replicas. Callers hold writeMu.
func (s *Server) propagate(name string, args []string) {
	if s.master == nil {
		return
	}
	s.master.Propagate(append([]string{name}, args...))
}

func (s *Server) handlePing(_ context.Context, args []string) protocol.Value {
	if len(args) == 1 {
		return protocol.NewSimpleString(args[0])
	}
	return protocol.NewSimpleString("PONG")
}

func (s *Server) handleEcho(_ context.Context, args []string) protocol.Value {
	if len(args) == 0 {
		return protocol.NewBulkString("")
	}
	return protocol.NewBulkString(args[0])
}

func (s *Server) handleSet(_ context.Context, args []string) protocol.Value {
	key, value := args[0], args[1]

	expiry, err := replication.ParseSetExpiry(args[2:], s.now())
	switch {
	case errors.Is(err, replication.ErrInvalidExpire):
		return protocol.NewError("ERR invalid expire time in 'set' command")
	case err != nil:
		return protocol.NewError("ERR syntax error")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.store.Set(key, []byte(value), expiry); err != nil {
		return protocol.NewError("ERR " + err.Error())
	}
	s.propagate("SET", args)
	return protocol.NewSimpleString("OK")
}

func (s *Server) handleGet(_ context.Context, args []string) protocol.Value {
	if s.store.Type(args[0]) == storage.ValueTypeStream {
		return protocol.NewError(wrongTypeMessage)
	}
	value, ok := s.store.Get(args[0])
	if !ok {
		return protocol.NewNullBulkString()
	}
	return protocol.NewBulkString(string(value))
}

func (s *Server) handleDel(_ context.Context, args []string) protocol.Value {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deleted := s.store.Del(args...)
	s.propagate("DEL", args)
	return protocol.NewInteger(deleted)
}

func (s *Server) handleExists(_ context.Context, args []string) protocol.Value {
	return protocol.NewInteger(s.store.Exists(args...))
}

func (s *Server) handleType(_ context.Context, args []string) protocol.Value {
	return protocol.NewSimpleString(s.store.Type(args[0]).String())
}

func (s *Server) handleKeys(_ context.Context, args []string) protocol.Value {
	pattern := "*"
	if len(args) == 1 {
		pattern = args[0]
	}
	return protocol.NewStringArray(s.store.Keys(pattern))
}

func (s *Server) handleConfig(_ context.Context, args []string) protocol.Value {
	if !strings.EqualFold(args[0], "GET") {
		return protocol.NewError(fmt.Sprintf("ERR unknown subcommand '%s'", args[0]))
	}

	reply := make([]string, 0, 2*(len(args)-1))
	for _, name := range args[1:] {
		value, ok := s.settings[strings.ToLower(name)]
		if !ok {
			return protocol.NewError(fmt.Sprintf("ERR unknown configuration parameter '%s'", name))
		}
		reply = append(reply, name, value)
	}
	return protocol.NewStringArray(reply)
}

const wrongTypeMessage = "WRONGTYPE Operation against a key holding the wrong kind of value"

func (s *Server) handleXAdd(_ context.Context, args []string) protocol.Value {
	key, id, fields := args[0], args[1], args[2:]
	if len(fields)%2 != 0 {
		return protocol.NewError(wrongArity("xadd"))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	newID, err := s.store.XAdd(key, id, fields)
	switch {
	case errors.Is(err, storage.ErrInvalidStreamID):
		return protocol.NewError("ERR The ID specified in XADD must be greater than 0-0")
	case errors.Is(err, storage.ErrStreamIDNotMonotonic):
		return protocol.NewError("ERR The ID specified in XADD is equal or smaller than the target stream top item")
	case errors.Is(err, storage.ErrWrongType):
		return protocol.NewError(wrongTypeMessage)
	case err != nil:
		return protocol.NewError("ERR " + err.Error())
	}
	return protocol.NewBulkString(newID.String())
}

func (s *Server) handleXRange(_ context.Context, args []string) protocol.Value {
	count := -1
	if len(args) > 3 {
		if len(args) != 5 || !strings.EqualFold(args[3], "COUNT") {
			return protocol.NewError("ERR syntax error")
		}
		n, err := strconv.Atoi(args[4])
		if err != nil {
			return protocol.NewError(notIntegerMessage)
		}
		count = n
	}

	entries, err := s.store.XRange(args[0], args[1], args[2])
	if err != nil {
		return streamError(err)
	}
	if count >= 0 && len(entries) > count {
		entries = entries[:count]
	}
	return entriesReply(entries)
}

// handleXRead parses XREAD [COUNT n] [BLOCK ms] STREAMS key... id...
func (s *Server) handleXRead(ctx context.Context, args []string) protocol.Value {
	var (
		count    = -1
		block    time.Duration
		blocking bool
		streams  []string
	)

	for i := 0; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "COUNT":
			if i+1 >= len(args) {
				return protocol.NewError("ERR syntax error")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return protocol.NewError(notIntegerMessage)
			}
			count = n
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return protocol.NewError("ERR syntax error")
			}
			ms, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || ms < 0 {
				return protocol.NewError("ERR timeout is not an integer or out of range")
			}
			block = time.Duration(ms) * time.Millisecond
			blocking = true
			i++
		case "STREAMS":
			streams = args[i+1:]
			i = len(args)
		default:
			return protocol.NewError("ERR syntax error")
		}
	}

	if len(streams) == 0 || len(streams)%2 != 0 {
		return protocol.NewError("ERR Unbalanced 'xread' list of streams: for each stream key an ID or '$' must be specified.")
	}

	half := len(streams) / 2
	queries := make([]storage.StreamQuery, half)
	for i := range queries {
		queries[i] = storage.StreamQuery{Key: streams[i], After: streams[half+i]}
	}

	results, err := s.store.XRead(ctx, queries, block, blocking)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.NewNullBulkString()
		}
		return streamError(err)
	}

	if len(results) == 0 {
		if blocking {
			return protocol.NewNullBulkString()
		}
		return protocol.NewArray()
	}

	items := make([]protocol.Value, len(results))
	for i, result := range results {
		entries := result.Entries
		if count > 0 && len(entries) > count {
			entries = entries[:count]
		}
		items[i] = protocol.NewArray(protocol.NewBulkString(result.Key), entriesReply(entries))
	}
	return protocol.NewArray(items...)
}

// entriesReply renders entries as [[id, [field, value, ...]], ...]
func entriesReply(entries []storage.StreamEntry) protocol.Value {
	items := make([]protocol.Value, len(entries))
	for i, entry := range entries {
		items[i] = protocol.NewArray(
			protocol.NewBulkString(entry.ID.String()),
			protocol.NewStringArray(entry.Fields),
		)
	}
	return protocol.NewArray(items...)
}

func streamError(err error) protocol.Value {
	switch {
	case errors.Is(err, storage.ErrInvalidRange):
		return protocol.NewError("ERR The end ID must be greater than the start ID")
	case errors.Is(err, storage.ErrNoSuchKey):
		return protocol.NewError("ERR The stream does not exist")
	case errors.Is(err, storage.ErrInvalidStreamID):
		return protocol.NewError("ERR Invalid stream ID specified as stream command argument")
	case errors.Is(err, storage.ErrWrongType):
		return protocol.NewError(wrongTypeMessage)
	}
	return protocol.NewError("ERR " + err.Error())
}

func (s *Server) handleInfo(_ context.Context, args []string) protocol.Value {
	sections := []string{"server", "clients", "stats", "replication", "keyspace"}
	if len(args) > 0 {
		sections = sections[:0]
		for _, arg := range args {
			section := strings.ToLower(arg)
			if section == "all" || section == "default" || section == "everything" {
				sections = []string{"server", "clients", "stats", "replication", "keyspace"}
				break
			}
			sections = append(sections, section)
		}
	}

	var parts []string
	for _, section := range sections {
		if text, ok := s.infoSection(section); ok {
			parts = append(parts, text)
		}
	}
	return protocol.NewBulkString(strings.Join(parts, "\r\n\r\n"))
}

func (s *Server) infoSection(section string) (string, bool) {
	switch section {
	case "server":
		port := ""
		if _, p, ok := strings.Cut(s.Addr(), ":"); ok {
			port = p
		}
		return strings.Join([]string{
			"# Server",
			"redis_version:" + s.version,
			"redis_mode:standalone",
			"tcp_port:" + port,
			fmt.Sprintf("uptime_in_seconds:%d", int64(time.Since(s.startTime).Seconds())),
		}, "\r\n"), true
	case "clients":
		blocked := 0
		if n, ok := s.store.Info()["blocked_clients"].(int); ok {
			blocked = n
		}
		return strings.Join([]string{
			"# Clients",
			fmt.Sprintf("connected_clients:%d", s.clients.Size()),
			fmt.Sprintf("blocked_clients:%d", blocked),
		}, "\r\n"), true
	case "stats":
		return strings.Join([]string{
			"# Stats",
			fmt.Sprintf("total_connections_received:%d", s.connections.Count()),
			fmt.Sprintf("total_commands_processed:%d", s.ops.Count()),
			fmt.Sprintf("instantaneous_ops_per_sec:%d", int64(s.ops.Rate1())),
			fmt.Sprintf("total_error_replies:%d", s.errorCount.Count()),
		}, "\r\n"), true
	case "replication":
		return s.replicationInfo().String(), true
	case "keyspace":
		info := s.store.Info()
		lines := []string{"# Keyspace"}
		if keys, _ := info["keys"].(int64); keys > 0 {
			expires, _ := info["expires"].(int64)
			lines = append(lines, fmt.Sprintf("db0:keys=%d,expires=%d,avg_ttl=0", keys, expires))
		}
		return strings.Join(lines, "\r\n"), true
	}
	return "", false
}

func (s *Server) replicationInfo() replication.Info {
	if s.replica != nil {
		return s.replica.Info()
	}
	if s.master != nil {
		return s.master.Info()
	}
	return replication.Info{Role: replication.RoleMaster}
}

func (s *Server) handleWait(ctx context.Context, args []string) protocol.Value {
	numReplicas, err := strconv.Atoi(args[0])
	if err != nil {
		return protocol.NewError(notIntegerMessage)
	}
	ms, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || ms < 0 {
		return protocol.NewError("ERR timeout is not an integer or out of range")
	}

	if s.master == nil {
		return protocol.NewInteger(0)
	}
	acked := s.master.Wait(ctx, numReplicas, time.Duration(ms)*time.Millisecond)
	return protocol.NewInteger(int64(acked))
}

func (s *Server) handleSelect(_ context.Context, args []string) protocol.Value {
	db, err := strconv.Atoi(args[0])
	if err != nil {
		return protocol.NewError(notIntegerMessage)
	}
	if db != 0 {
		return protocol.NewError("ERR DB index is out of range")
	}
	return protocol.NewSimpleString("OK")
}

func (s *Server) handleCommand(_ context.Context, args []string) protocol.Value {
	if len(args) > 0 && strings.EqualFold(args[0], "COUNT") {
		return protocol.NewInteger(int64(len(s.commands)))
	}
	if len(args) > 0 && strings.EqualFold(args[0], "LIST") {
		names := make([]string, 0, len(s.commands))
		for _, cmd := range s.commands {
			names = append(names, cmd.name)
		}
		sort.Strings(names)
		return protocol.NewStringArray(names)
	}
	// COMMAND and COMMAND DOCS: clients only probe these on connect
	return protocol.NewArray()
}

func (s *Server) handleEval(ctx context.Context, args []string) protocol.Value {
	keys, argv, errReply := scriptArgs(args)
	if errReply != nil {
		return *errReply
	}
	result, err := s.lua.Eval(ctx, args[0], keys, argv)
	if err != nil {
		return scriptError(err)
	}
	return result
}

func (s *Server) handleEvalSHA(ctx context.Context, args []string) protocol.Value {
	keys, argv, errReply := scriptArgs(args)
	if errReply != nil {
		return *errReply
	}
	result, err := s.lua.EvalSHA(ctx, args[0], keys, argv)
	if err != nil {
		return scriptError(err)
	}
	return result
}

// scriptArgs splits "<script> numkeys key... arg..." into keys and args
func scriptArgs(args []string) ([]string, []string, *protocol.Value) {
	numKeys, err := strconv.Atoi(args[1])
	if err != nil {
		reply := protocol.NewError(notIntegerMessage)
		return nil, nil, &reply
	}
	if numKeys < 0 {
		reply := protocol.NewError("ERR Number of keys can't be negative")
		return nil, nil, &reply
	}
	if numKeys > len(args)-2 {
		reply := protocol.NewError("ERR Number of keys can't be greater than number of args")
		return nil, nil, &reply
	}
	return args[2 : 2+numKeys], args[2+numKeys:], nil
}

func scriptError(err error) protocol.Value {
	if errors.Is(err, lua.ErrNoScript) {
		return protocol.NewError(err.Error())
	}
	return protocol.NewError("ERR " + err.Error())
}

func (s *Server) handleScript(_ context.Context, args []string) protocol.Value {
	switch strings.ToUpper(args[0]) {
	case "LOAD":
		if len(args) != 2 {
			return protocol.NewError("ERR wrong number of arguments for 'script|load' command")
		}
		return protocol.NewBulkString(s.lua.LoadScript(args[1]))
	case "EXISTS":
		if len(args) < 2 {
			return protocol.NewError("ERR wrong number of arguments for 'script|exists' command")
		}
		exists := s.lua.ScriptExists(args[1:])
		items := make([]protocol.Value, len(exists))
		for i, ok := range exists {
			if ok {
				items[i] = protocol.NewInteger(1)
			} else {
				items[i] = protocol.NewInteger(0)
			}
		}
		return protocol.NewArray(items...)
	case "FLUSH":
		s.lua.ScriptFlush()
		return protocol.NewSimpleString("OK")
	}
	return protocol.NewError(fmt.Sprintf("ERR unknown subcommand '%s'", args[0]))
}

const notIntegerMessage = "ERR value is not an integer or out of range"

func wrongArity(name string) string {
	return fmt.Sprintf("ERR wrong number of arguments for '%s' command", name)
}

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
