package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/protocol"
	"github.com/raniellyferreira/redis-inmemory-server/replication"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
	"github.com/redis/go-redis/v9"
)

// Simple Redis client for testing
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newTestClient(t *testing.T, addr string) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	return &testClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (c *testClient) sendCommand(cmd string, args ...string) (string, error) {
	if _, err := c.conn.Write(protocol.EncodeCommand(cmd, args...)); err != nil {
		return "", err
	}
	return c.readResponse()
}

func (c *testClient) readResponse() (string, error) {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}

	line = strings.TrimSuffix(line, "\r\n")
	if len(line) == 0 {
		return "", nil
	}

	switch line[0] {
	case '+': // Simple string
		return line[1:], nil
	case '-': // Error
		return line, nil
	case ':': // Integer
		return line[1:], nil
	case '$': // Bulk string
		size, err := strconv.Atoi(line[1:])
		if err != nil {
			return "", err
		}
		if size == -1 {
			return "(nil)", nil
		}
		data := make([]byte, size+2) // +2 for CRLF
		if _, err := io.ReadFull(c.reader, data); err != nil {
			return "", err
		}
		return string(data[:size]), nil
	case '*': // Array
		size, err := strconv.Atoi(line[1:])
		if err != nil {
			return "", err
		}
		if size == -1 {
			return "(nil)", nil
		}

		result := "["
		for i := 0; i < size; i++ {
			if i > 0 {
				result += ", "
			}
			item, err := c.readResponse()
			if err != nil {
				return "", err
			}
			result += item
		}
		result += "]"
		return result, nil
	default:
		return line, nil
	}
}

// expectRaw writes payload and checks the exact bytes of the reply
func (c *testClient) expectRaw(t *testing.T, payload, want string) {
	t.Helper()

	if _, err := c.conn.Write([]byte(payload)); err != nil {
		t.Fatal(err)
	}
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, len(want))
	if _, err := io.ReadFull(c.reader, got); err != nil {
		t.Fatalf("reading reply to %q: %v (got %q)", payload, err, got)
	}
	if string(got) != want {
		t.Errorf("reply to %q = %q, want %q", payload, got, want)
	}
}

func (c *testClient) mustSend(t *testing.T, cmd string, args ...string) string {
	t.Helper()
	resp, err := c.sendCommand(cmd, args...)
	if err != nil {
		t.Fatalf("%s: %v", cmd, err)
	}
	return resp
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func startServer(t *testing.T, stor Store, setup ...func(*Server)) *Server {
	t.Helper()

	server := NewServer("127.0.0.1:0", stor)
	for _, fn := range setup {
		fn(server)
	}
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func newRedisClient(t *testing.T, addr string) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Protocol: 2,
	})
	t.Cleanup(func() { client.Close() })
	return client
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestServer_BasicCommands(t *testing.T) {
	server := startServer(t, storage.NewMemory())
	client := newTestClient(t, server.Addr())

	client.expectRaw(t, "*1\r\n$4\r\nPING\r\n", "+PONG\r\n")
	client.expectRaw(t, "*2\r\n$4\r\nPING\r\n$5\r\nhello\r\n", "+hello\r\n")
	client.expectRaw(t, "*2\r\n$4\r\nECHO\r\n$3\r\nhey\r\n", "$3\r\nhey\r\n")
	client.expectRaw(t, "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n", "+OK\r\n")
	client.expectRaw(t, "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n", "$3\r\nbar\r\n")
	client.expectRaw(t, "*2\r\n$3\r\nGET\r\n$7\r\nmissing\r\n", "$-1\r\n")
	client.expectRaw(t, "*3\r\n$3\r\nDEL\r\n$3\r\nfoo\r\n$3\r\nbar\r\n", ":1\r\n")
	client.expectRaw(t, "*2\r\n$4\r\nTYPE\r\n$10\r\nmissingkey\r\n", "+none\r\n")

	// inline commands and lower-case names
	client.expectRaw(t, "PING\r\n", "+PONG\r\n")
	client.expectRaw(t, "set a 1\r\n", "+OK\r\n")
	client.expectRaw(t, "*2\r\n$6\r\nexists\r\n$1\r\na\r\n", ":1\r\n")
}

func TestServer_Pipelining(t *testing.T) {
	server := startServer(t, storage.NewMemory())
	client := newTestClient(t, server.Addr())

	client.expectRaw(t,
		"*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n*2\r\n$3\r\nGET\r\n$1\r\nk\r\n*1\r\n$4\r\nPING\r\n",
		"+OK\r\n$1\r\nv\r\n+PONG\r\n",
	)
}

func TestServer_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	stor := storage.NewMemory(storage.WithClock(clock.Now))
	server := startServer(t, stor, func(s *Server) { s.SetClock(clock.Now) })
	client := newTestClient(t, server.Addr())

	client.expectRaw(t, "*5\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n$2\r\nPX\r\n$3\r\n100\r\n", "+OK\r\n")

	clock.Advance(99 * time.Millisecond)
	client.expectRaw(t, "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n", "$3\r\nbar\r\n")

	clock.Advance(51 * time.Millisecond)
	client.expectRaw(t, "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n", "$-1\r\n")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"zero expiry", []string{"k", "v", "PX", "0"}, "-ERR invalid expire time in 'set' command"},
		{"missing expiry", []string{"k", "v", "PX"}, "-ERR syntax error"},
		{"unknown option", []string{"k", "v", "KEEPTTL"}, "-ERR syntax error"},
		{"seconds", []string{"k", "v", "EX", "1"}, "OK"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := client.mustSend(t, "SET", tt.args...); got != tt.want {
				t.Errorf("SET %v = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestServer_Streams(t *testing.T) {
	server := startServer(t, storage.NewMemory())
	client := newTestClient(t, server.Addr())

	client.expectRaw(t, "*5\r\n$4\r\nXADD\r\n$1\r\ns\r\n$3\r\n1-1\r\n$5\r\nfield\r\n$5\r\nvalue\r\n", "$3\r\n1-1\r\n")
	client.expectRaw(t, "*5\r\n$4\r\nXADD\r\n$1\r\ns\r\n$3\r\n1-1\r\n$5\r\nfield\r\n$5\r\nvalue\r\n",
		"-ERR The ID specified in XADD is equal or smaller than the target stream top item\r\n")

	tests := []struct {
		name string
		cmd  string
		args []string
		want string
	}{
		{"wildcard sequence", "XADD", []string{"t", "5-*", "f", "v"}, "5-0"},
		{"wildcard sequence again", "XADD", []string{"t", "5-*", "f", "v2"}, "5-1"},
		{"zero id", "XADD", []string{"u", "0-0", "f", "v"}, "-ERR The ID specified in XADD must be greater than 0-0"},
		{"malformed id", "XADD", []string{"u", "abc", "f", "v"}, "-ERR The ID specified in XADD must be greater than 0-0"},
		{"odd fields", "XADD", []string{"u", "*", "f", "v", "g"}, "-ERR wrong number of arguments for 'xadd' command"},
		{"zero ms wildcard", "XADD", []string{"z", "0-*", "f", "v"}, "0-1"},
		{"type", "TYPE", []string{"t"}, "stream"},
		{"get on stream", "GET", []string{"t"}, "-WRONGTYPE Operation against a key holding the wrong kind of value"},
		{"xadd on string", "XADD", []string{"plain", "*", "f", "v"}, "-WRONGTYPE Operation against a key holding the wrong kind of value"},
		{"range", "XRANGE", []string{"t", "-", "+"}, "[[5-0, [f, v]], [5-1, [f, v2]]]"},
		{"range count", "XRANGE", []string{"t", "-", "+", "COUNT", "1"}, "[[5-0, [f, v]]]"},
		{"range closed", "XRANGE", []string{"t", "5-0", "5-1"}, "[[5-0, [f, v]], [5-1, [f, v2]]]"},
		{"inverted range", "XRANGE", []string{"t", "5-1", "5-0"}, "-ERR The end ID must be greater than the start ID"},
		{"missing stream", "XRANGE", []string{"nope", "-", "+"}, "-ERR The stream does not exist"},
		{"read", "XREAD", []string{"STREAMS", "s", "t", "0-0", "5-0"}, "[[s, [[1-1, [field, value]]]], [t, [[5-1, [f, v2]]]]]"},
		{"read nothing", "XREAD", []string{"STREAMS", "t", "$"}, "[]"},
		{"unbalanced", "XREAD", []string{"STREAMS", "s", "t", "0-0"}, "-ERR Unbalanced 'xread' list of streams: for each stream key an ID or '$' must be specified."},
	}

	client.mustSend(t, "SET", "plain", "x")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := client.mustSend(t, tt.cmd, tt.args...); got != tt.want {
				t.Errorf("%s %v = %q, want %q", tt.cmd, tt.args, got, tt.want)
			}
		})
	}
}

func TestServer_XReadBlock(t *testing.T) {
	stor := storage.NewMemory()
	server := startServer(t, stor)
	rdb := newRedisClient(t, server.Addr())
	ctx := context.Background()

	if _, err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: "events", ID: "1-1", Values: []string{"a", "1"}}).Result(); err != nil {
		t.Fatal(err)
	}

	t.Run("wakes on append", func(t *testing.T) {
		type result struct {
			streams []redis.XStream
			err     error
		}
		done := make(chan result, 1)
		go func() {
			streams, err := rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{"events", "$"},
				Block:   0,
			}).Result()
			done <- result{streams, err}
		}()

		eventually(t, func() bool {
			n, _ := stor.Info()["blocked_clients"].(int)
			return n == 1
		}, "reader never blocked")

		writer := newTestClient(t, server.Addr())
		if got := writer.mustSend(t, "XADD", "events", "2-0", "b", "2"); got != "2-0" {
			t.Fatalf("XADD = %q", got)
		}

		select {
		case r := <-done:
			if r.err != nil {
				t.Fatalf("XRead() error = %v", r.err)
			}
			if len(r.streams) != 1 || len(r.streams[0].Messages) != 1 || r.streams[0].Messages[0].ID != "2-0" {
				t.Errorf("XRead() = %+v", r.streams)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("blocked XREAD was not woken")
		}
	})

	t.Run("times out", func(t *testing.T) {
		client := newTestClient(t, server.Addr())
		start := time.Now()
		client.expectRaw(t, "*6\r\n$5\r\nXREAD\r\n$5\r\nBLOCK\r\n$2\r\n50\r\n$7\r\nSTREAMS\r\n$6\r\nevents\r\n$1\r\n$\r\n", "$-1\r\n")
		if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
			t.Errorf("XREAD returned after %v", elapsed)
		}

		_, err := rdb.XRead(ctx, &redis.XReadArgs{Streams: []string{"events", "$"}, Block: 20 * time.Millisecond}).Result()
		if !errors.Is(err, redis.Nil) {
			t.Errorf("XRead() error = %v, want redis.Nil", err)
		}
	})

	t.Run("disconnect releases the reader", func(t *testing.T) {
		client := newTestClient(t, server.Addr())
		if _, err := client.conn.Write(protocol.EncodeCommand("XREAD", "BLOCK", "0", "STREAMS", "idle", "$")); err != nil {
			t.Fatal(err)
		}
		eventually(t, func() bool {
			n, _ := stor.Info()["blocked_clients"].(int)
			return n == 1
		}, "reader never blocked")

		client.conn.Close()
		eventually(t, func() bool {
			n, _ := stor.Info()["blocked_clients"].(int)
			return n == 0
		}, "closing the connection did not release the blocked read")
	})
}

func TestServer_ConfigAndInfo(t *testing.T) {
	server := startServer(t, storage.NewMemory(), func(s *Server) {
		s.SetConfig(map[string]string{"dir": "/tmp/redis", "dbfilename": "dump.rdb"})
		s.SetVersion("1.2.3")
	})
	client := newTestClient(t, server.Addr())

	tests := []struct {
		name string
		cmd  string
		args []string
		want string
	}{
		{"config get", "CONFIG", []string{"GET", "dir"}, "[dir, /tmp/redis]"},
		{"config get upper case", "CONFIG", []string{"GET", "DBFILENAME"}, "[DBFILENAME, dump.rdb]"},
		{"config get unknown", "CONFIG", []string{"GET", "maxmemory"}, "-ERR unknown configuration parameter 'maxmemory'"},
		{"config arity", "CONFIG", []string{"GET"}, "-ERR wrong number of arguments for 'config' command"},
		{"select 0", "SELECT", []string{"0"}, "OK"},
		{"select 1", "SELECT", []string{"1"}, "-ERR DB index is out of range"},
		{"command docs", "COMMAND", []string{"DOCS"}, "[]"},
		{"wait without replicas", "WAIT", []string{"0", "10"}, "0"},
		{"unknown", "FLUSHALL", nil, "-ERR unknown command 'flushall'"},
		{"get arity", "GET", nil, "-ERR wrong number of arguments for 'get' command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := client.mustSend(t, tt.cmd, tt.args...); got != tt.want {
				t.Errorf("%s %v = %q, want %q", tt.cmd, tt.args, got, tt.want)
			}
		})
	}

	info := client.mustSend(t, "INFO", "replication")
	want := "# Replication\r\nrole:master\r\nconnected_slaves:0\r\nmaster_replid:" + replication.DefaultReplicationID + "\r\nmaster_repl_offset:0"
	if info != want {
		t.Errorf("INFO replication = %q, want %q", info, want)
	}

	client.mustSend(t, "SET", "k", "v")
	all := client.mustSend(t, "INFO")
	for _, fragment := range []string{"redis_version:1.2.3", "connected_clients:1", "total_commands_processed:", "db0:keys=1,expires=0"} {
		if !strings.Contains(all, fragment) {
			t.Errorf("INFO does not contain %q:\n%s", fragment, all)
		}
	}
}

func TestServer_ProtocolError(t *testing.T) {
	server := startServer(t, storage.NewMemory())
	client := newTestClient(t, server.Addr())

	client.expectRaw(t, "\x01\r\n", "-ERR Protocol error: unknown RESP type: 0x01\r\n")

	client.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.reader.ReadByte(); !errors.Is(err, io.EOF) {
		t.Errorf("connection should be closed after a protocol error, got %v", err)
	}

	// other connections are unaffected
	other := newTestClient(t, server.Addr())
	other.expectRaw(t, "PING\r\n", "+PONG\r\n")
}

func TestServer_Quit(t *testing.T) {
	server := startServer(t, storage.NewMemory())
	client := newTestClient(t, server.Addr())

	client.expectRaw(t, "*1\r\n$4\r\nQUIT\r\n", "+OK\r\n")
	client.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.reader.ReadByte(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after QUIT, got %v", err)
	}
}

func TestServer_LuaScripts(t *testing.T) {
	server := startServer(t, storage.NewMemory())
	client := newTestClient(t, server.Addr())

	// Test simple EVAL
	if resp := client.mustSend(t, "EVAL", "return 'hello world'", "0"); resp != "hello world" {
		t.Errorf("expected 'hello world', got %s", resp)
	}

	// Test EVAL with KEYS and ARGV
	if resp := client.mustSend(t, "EVAL", "return KEYS[1] .. ':' .. ARGV[1]", "1", "user", "123"); resp != "user:123" {
		t.Errorf("expected 'user:123', got %s", resp)
	}

	// Test EVAL with Redis commands
	resp := client.mustSend(t, "EVAL", "redis.call('SET', KEYS[1], ARGV[1]); return redis.call('GET', KEYS[1])", "1", "luakey", "luavalue")
	if resp != "luavalue" {
		t.Errorf("expected 'luavalue', got %s", resp)
	}
	if resp := client.mustSend(t, "GET", "luakey"); resp != "luavalue" {
		t.Errorf("scripted SET not visible: %s", resp)
	}

	// Test SCRIPT LOAD and EVALSHA
	sha := client.mustSend(t, "SCRIPT", "LOAD", "return 'cached script'")
	if resp := client.mustSend(t, "EVALSHA", sha, "0"); resp != "cached script" {
		t.Errorf("expected 'cached script', got %s", resp)
	}

	// Test SCRIPT EXISTS
	if resp := client.mustSend(t, "SCRIPT", "EXISTS", sha, "nonexistent"); resp != "[1, 0]" {
		t.Errorf("expected '[1, 0]', got %s", resp)
	}

	// Test SCRIPT FLUSH
	if resp := client.mustSend(t, "SCRIPT", "FLUSH"); resp != "OK" {
		t.Errorf("expected 'OK', got %s", resp)
	}
	if resp := client.mustSend(t, "SCRIPT", "EXISTS", sha); resp != "[0]" {
		t.Errorf("expected '[0]', got %s", resp)
	}
}

func TestServer_ErrorHandling(t *testing.T) {
	server := startServer(t, storage.NewMemory())
	client := newTestClient(t, server.Addr())

	tests := []struct {
		name string
		cmd  string
		args []string
		want string
	}{
		{"unknown command", "UNKNOWNCMD", nil, "ERR unknown command"},
		{"lua syntax error", "EVAL", []string{"invalid lua syntax !!!", "0"}, "ERR Error compiling script"},
		{"missing script", "EVALSHA", []string{"nonexistent", "0"}, "NOSCRIPT"},
		{"too many keys", "EVAL", []string{"return 1", "2", "a"}, "ERR Number of keys can't be greater than number of args"},
		{"blocking command in script", "EVAL", []string{"return redis.call('XREAD', 'BLOCK', '0', 'STREAMS', 's', '$')", "0"}, "This Redis command is not allowed from script"},
		{"script error reply", "EVAL", []string{"return redis.error_reply('MY failure')", "0"}, "MY failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := client.mustSend(t, tt.cmd, tt.args...); !strings.HasPrefix(got, "-") || !strings.Contains(got, tt.want) {
				t.Errorf("%s %v = %q, want an error containing %q", tt.cmd, tt.args, got, tt.want)
			}
			// the next reply must not be left over from this one
			if got := client.mustSend(t, "PING"); got != "PONG" {
				t.Errorf("PING after %s = %q, want PONG", tt.name, got)
			}
		})
	}
}

func TestServer_ErrorRepliesStayOneFrame(t *testing.T) {
	server := startServer(t, storage.NewMemory())
	client := newTestClient(t, server.Addr())

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{
			name:    "config parameter with CRLF",
			payload: string(protocol.EncodeCommand("CONFIG", "GET", "x\r\n:42")),
			want:    "-ERR unknown configuration parameter 'x  :42'\r\n",
		},
		{
			name:    "command name with CRLF",
			payload: string(protocol.EncodeCommand("BAD\r\n+OK")),
			want:    "-ERR unknown command 'bad  +ok'\r\n",
		},
		{
			name:    "lua compile error",
			payload: string(protocol.EncodeCommand("EVAL", "invalid lua syntax !!!", "0")),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := client.conn.Write([]byte(tt.payload)); err != nil {
				t.Fatal(err)
			}
			client.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			line, err := client.reader.ReadString('\n')
			if err != nil {
				t.Fatal(err)
			}
			if !strings.HasPrefix(line, "-ERR") || !strings.HasSuffix(line, "\r\n") || strings.ContainsAny(strings.TrimSuffix(line, "\r\n"), "\r\n") {
				t.Fatalf("reply %q is not a single error line", line)
			}
			if tt.want != "" && line != tt.want {
				t.Errorf("reply = %q, want %q", line, tt.want)
			}
			client.expectRaw(t, "PING\r\n", "+PONG\r\n")
		})
	}
}

func TestServer_ApplyReplicated(t *testing.T) {
	stor := storage.NewMemory()
	server := startServer(t, stor)

	tests := []struct {
		name    string
		cmd     *protocol.Command
		wantErr bool
	}{
		{"set", &protocol.Command{Name: "SET", Args: []string{"k", "v"}}, false},
		{"ping", &protocol.Command{Name: "PING"}, false},
		{"blocking read", &protocol.Command{Name: "XREAD", Args: []string{"BLOCK", "0", "STREAMS", "s", "$"}}, true},
		{"wait", &protocol.Command{Name: "WAIT", Args: []string{"1", "0"}}, true},
		{"read only", &protocol.Command{Name: "GET", Args: []string{"k"}}, true},
		{"script", &protocol.Command{Name: "EVAL", Args: []string{"redis.call('SET', 'scripted', '1')", "0"}}, true},
		{"unknown", &protocol.Command{Name: "NOPE"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := make(chan error, 1)
			go func() { done <- server.ApplyReplicated(tt.cmd) }()

			select {
			case err := <-done:
				if (err != nil) != tt.wantErr {
					t.Errorf("ApplyReplicated(%s) error = %v, wantErr %v", tt.cmd.Name, err, tt.wantErr)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("ApplyReplicated(%s) did not return", tt.cmd.Name)
			}
		})
	}

	if v, ok := stor.Get("k"); !ok || string(v) != "v" {
		t.Errorf("replicated SET not applied: %q, %v", v, ok)
	}
	if _, ok := stor.Get("scripted"); ok {
		t.Error("replicated EVAL should not run")
	}
}

func TestServer_Stats(t *testing.T) {
	server := startServer(t, storage.NewMemory())
	client := newTestClient(t, server.Addr())

	// Send some commands
	client.mustSend(t, "PING")
	client.mustSend(t, "SET", "key", "value")
	client.mustSend(t, "GET", "key")
	client.mustSend(t, "NOPE")

	stats := server.Stats()

	if stats["connected_clients"].(int) != 1 {
		t.Errorf("expected 1 connected client, got %v", stats["connected_clients"])
	}
	if stats["total_commands"].(int64) < 3 {
		t.Errorf("expected at least 3 commands, got %v", stats["total_commands"])
	}
	if stats["total_errors"].(int64) < 1 {
		t.Errorf("expected at least 1 error, got %v", stats["total_errors"])
	}
	if stats["total_connections"].(int64) < 1 {
		t.Errorf("expected at least 1 connection, got %v", stats["total_connections"])
	}
}

func TestServer_GoRedisClient(t *testing.T) {
	server := startServer(t, storage.NewMemory())
	rdb := newRedisClient(t, server.Addr())
	ctx := context.Background()

	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if err := rdb.Set(ctx, "greeting", "hello", time.Minute).Err(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got, err := rdb.Get(ctx, "greeting").Result(); err != nil || got != "hello" {
		t.Errorf("Get() = %q, %v", got, err)
	}
	if _, err := rdb.Get(ctx, "absent").Result(); !errors.Is(err, redis.Nil) {
		t.Errorf("Get(absent) error = %v, want redis.Nil", err)
	}
	if got, err := rdb.Type(ctx, "greeting").Result(); err != nil || got != "string" {
		t.Errorf("Type() = %q, %v", got, err)
	}

	id, err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: "s", ID: "10-1", Values: []string{"temp", "21"}}).Result()
	if err != nil || id != "10-1" {
		t.Fatalf("XAdd() = %q, %v", id, err)
	}
	msgs, err := rdb.XRange(ctx, "s", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "10-1" || msgs[0].Values["temp"] != "21" {
		t.Errorf("XRange() = %+v", msgs)
	}

	if n, err := rdb.Del(ctx, "greeting", "s", "absent").Result(); err != nil || n != 2 {
		t.Errorf("Del() = %d, %v", n, err)
	}

	// a pipeline flushes once per batch
	pipe := rdb.Pipeline()
	for i := 0; i < 50; i++ {
		pipe.Set(ctx, fmt.Sprintf("key:%d", i), i, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		t.Fatalf("pipeline error = %v", err)
	}
	if keys, err := rdb.Keys(ctx, "key:").Result(); err != nil || len(keys) != 50 {
		t.Errorf("Keys() returned %d keys, %v", len(keys), err)
	}
}

// rawReplica performs PSYNC by hand and answers GETACK with the number of
// bytes it has consumed
type rawReplica struct {
	client *testClient
	reader *protocol.Reader
}

func attachRawReplica(t *testing.T, addr string) *rawReplica {
	t.Helper()

	client := newTestClient(t, addr)
	client.expectRaw(t, "*3\r\n$8\r\nREPLCONF\r\n$14\r\nlistening-port\r\n$4\r\n6380\r\n", "+OK\r\n")
	client.expectRaw(t, "*3\r\n$8\r\nREPLCONF\r\n$4\r\ncapa\r\n$6\r\npsync2\r\n", "+OK\r\n")

	rdb := replication.EmptyRDB()
	header := fmt.Sprintf("+FULLRESYNC %s 0\r\n$%d\r\n", replication.DefaultReplicationID, len(rdb))
	client.expectRaw(t, "*3\r\n$5\r\nPSYNC\r\n$1\r\n?\r\n$2\r\n-1\r\n", header+string(rdb))

	client.conn.SetReadDeadline(time.Time{})
	return &rawReplica{client: client, reader: protocol.NewReader(client.reader)}
}

func (r *rawReplica) next(t *testing.T) *protocol.Command {
	t.Helper()
	r.client.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	cmd, err := r.reader.ReadCommand()
	if err != nil {
		t.Fatalf("replica read: %v", err)
	}
	return cmd
}

func TestServer_ReplicationMaster(t *testing.T) {
	server := startServer(t, storage.NewMemory())
	replica := attachRawReplica(t, server.Addr())
	client := newTestClient(t, server.Addr())

	eventually(t, func() bool { return server.master.ReplicaCount() == 1 }, "replica not registered")

	// a replica that was never written to counts immediately
	if got := client.mustSend(t, "WAIT", "1", "100"); got != "1" {
		t.Errorf("WAIT before writes = %q, want 1", got)
	}

	client.mustSend(t, "SET", "foo", "bar")
	client.mustSend(t, "GET", "foo")
	client.mustSend(t, "DEL", "foo")

	if cmd := replica.next(t); cmd.String() != "SET foo bar" {
		t.Errorf("first propagated command = %q", cmd.String())
	}
	if cmd := replica.next(t); cmd.String() != "DEL foo" {
		t.Errorf("second propagated command = %q", cmd.String())
	}

	waited := make(chan string, 1)
	go func() {
		resp, err := client.sendCommand("WAIT", "1", "2000")
		if err != nil {
			resp = err.Error()
		}
		waited <- resp
	}()

	getack := replica.next(t)
	if getack.String() != "REPLCONF GETACK *" {
		t.Fatalf("expected GETACK, got %q", getack.String())
	}
	ack := protocol.EncodeCommand("REPLCONF", "ACK", strconv.FormatInt(replica.reader.BytesRead()-getack.Size, 10))
	if _, err := replica.client.conn.Write(ack); err != nil {
		t.Fatal(err)
	}

	select {
	case resp := <-waited:
		if resp != "1" {
			t.Errorf("WAIT = %q, want 1", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WAIT did not return")
	}

	info := client.mustSend(t, "INFO", "replication")
	if !strings.Contains(info, "connected_slaves:1") || !strings.Contains(info, "port=6380") {
		t.Errorf("INFO replication = %q", info)
	}

	// a lagging replica that never acks lets WAIT time out with 0
	client.mustSend(t, "SET", "foo", "baz")
	if got := client.mustSend(t, "WAIT", "1", "50"); got != "0" {
		t.Errorf("WAIT with lagging replica = %q, want 0", got)
	}

	replica.client.conn.Close()
	client.mustSend(t, "SET", "after", "close")
	eventually(t, func() bool { return server.master.ReplicaCount() == 0 }, "closed replica was not removed")
}

func TestServer_ReplicaRole(t *testing.T) {
	master := startServer(t, storage.NewMemory())

	replicaStore := storage.NewMemory()
	replicaServer := startServer(t, replicaStore)
	_, portStr, _ := net.SplitHostPort(replicaServer.Addr())
	port, _ := strconv.Atoi(portStr)

	link := replication.NewClient(master.Addr(), port, replicaStore)
	link.SetReconnectDelay(20 * time.Millisecond)
	replicaServer.SetReplica(link)
	if err := link.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { link.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := link.WaitForSync(ctx); err != nil {
		t.Fatalf("WaitForSync() error = %v", err)
	}

	writer := newRedisClient(t, master.Addr())
	reader := newRedisClient(t, replicaServer.Addr())
	bg := context.Background()

	if err := writer.Set(bg, "foo", "bar", 0).Err(); err != nil {
		t.Fatal(err)
	}
	if err := writer.Set(bg, "temp", "x", time.Hour).Err(); err != nil {
		t.Fatal(err)
	}
	if n, err := writer.Wait(bg, 1, 5*time.Second).Result(); err != nil || n != 1 {
		t.Fatalf("Wait() = %d, %v", n, err)
	}

	eventually(t, func() bool {
		v, err := reader.Get(bg, "foo").Result()
		return err == nil && v == "bar"
	}, "replica never received foo")
	if _, err := reader.Get(bg, "temp").Result(); err != nil {
		t.Errorf("Get(temp) on replica error = %v", err)
	}

	info, err := reader.Info(bg, "replication").Result()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(info, "role:slave") || !strings.Contains(info, "master_link_status:up") {
		t.Errorf("replica INFO replication = %q", info)
	}

	// WAIT on a replica has no replicas to count
	if n, err := reader.Wait(bg, 1, 10*time.Millisecond).Result(); err != nil || n != 0 {
		t.Errorf("Wait() on replica = %d, %v", n, err)
	}
}
