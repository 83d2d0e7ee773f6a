package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/raniellyferreira/redis-inmemory-server/lua"
	"github.com/raniellyferreira/redis-inmemory-server/protocol"
	"github.com/raniellyferreira/redis-inmemory-server/replication"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

// Store is the keyspace a Server serves
type Store interface {
	storage.Storage
	storage.StreamStorage
}

// Logger interface for server logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector receives per-command measurements
type MetricsCollector interface {
	RecordCommandProcessed(cmd string, duration time.Duration)
	RecordError(errorType string)
}

// Server provides Redis protocol server functionality
type Server struct {
	store    Store
	lua      *lua.Engine
	commands map[string]*command

	// Server configuration
	addr         string
	settings     map[string]string
	version      string
	idleTimeout  time.Duration
	writeTimeout time.Duration
	now          func() time.Time

	// Replication: master is nil on a replica, replica is nil on a master
	master  *replication.Master
	replica *replication.Client

	// writeMu orders writes with their propagation
	writeMu sync.Mutex

	// Connection management
	listener net.Listener
	clients  *xsync.MapOf[uint64, *Client]
	nextID   atomic.Uint64

	// Control
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startTime time.Time

	// Stats
	ops         gometrics.Meter
	connections gometrics.Counter
	errorCount  gometrics.Counter

	logger  Logger
	metrics MetricsCollector
}

// Client represents a connected Redis client
type Client struct {
	id     uint64
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer
	server *Server

	// set by REPLCONF listening-port, reported in INFO after PSYNC
	listeningPort string
	// non-nil once the connection became a replication link
	replica *replication.Replica

	// Control
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewServer creates a new Redis protocol server. It starts as a master with
// a fresh replication state.
func NewServer(addr string, store Store) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		store:       store,
		addr:        addr,
		settings:    map[string]string{},
		version:     "dev",
		now:         time.Now,
		master:      replication.NewMaster(),
		clients:     xsync.NewMapOf[uint64, *Client](),
		ctx:         ctx,
		cancel:      cancel,
		ops:         gometrics.NewMeter(),
		connections: gometrics.NewCounter(),
		errorCount:  gometrics.NewCounter(),
		logger:      nopLogger{},
	}
	s.commands = s.commandTable()
	s.lua = lua.NewEngine(lua.ExecutorFunc(s.executeScripted))
	return s
}

// SetLogger sets the logger
func (s *Server) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetMetrics sets the metrics collector
func (s *Server) SetMetrics(metrics MetricsCollector) {
	s.metrics = metrics
}

// SetConfig sets the parameters CONFIG GET answers with
func (s *Server) SetConfig(settings map[string]string) {
	s.settings = make(map[string]string, len(settings))
	for k, v := range settings {
		s.settings[strings.ToLower(k)] = v
	}
}

// SetVersion sets the version INFO reports
func (s *Server) SetVersion(version string) {
	s.version = version
}

// SetTimeouts sets the idle read timeout and the reply write timeout; zero
// disables either
func (s *Server) SetTimeouts(idle, write time.Duration) {
	s.idleTimeout = idle
	s.writeTimeout = write
}

// SetClock replaces time.Now for expiry computations
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetMaster replaces the master replication state
func (s *Server) SetMaster(master *replication.Master) {
	s.master = master
	s.replica = nil
}

// SetReplica switches the server to the replica role. Commands from the
// master link reach the keyspace through ApplyReplicated.
func (s *Server) SetReplica(client *replication.Client) {
	s.replica = client
	s.master = nil
	client.SetApplier(s)
}

// Start starts the Redis server
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.startTime = time.Now()

	s.logger.Info("Server listening", "addr", s.listener.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop stops the Redis server, unblocking every client
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.clients.Range(func(_ uint64, client *Client) bool {
		client.Close()
		return true
	})

	s.wg.Wait()
	s.ops.Stop()
	return nil
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stats returns server statistics
func (s *Server) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected_clients": s.clients.Size(),
		"total_commands":    s.ops.Count(),
		"total_errors":      s.errorCount.Count(),
		"total_connections": s.connections.Count(),
		"ops_per_sec":       s.ops.Rate1(),
	}
}

// acceptConnections accepts new client connections
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Accept failed", "error", err)
			continue
		}

		s.handleNewClient(conn)
	}
}

// handleNewClient registers a connection and starts its loop
func (s *Server) handleNewClient(conn net.Conn) {
	s.connections.Inc(1)

	ctx, cancel := context.WithCancel(s.ctx)
	client := &Client{
		id:     s.nextID.Add(1),
		conn:   conn,
		reader: protocol.NewReader(conn),
		writer: protocol.NewWriter(conn),
		server: s,
		ctx:    ctx,
		cancel: cancel,
	}

	s.clients.Store(client.id, client)
	s.logger.Debug("Client connected", "id", client.id, "addr", conn.RemoteAddr().String())

	s.wg.Add(1)
	go client.handle()
}

// Close closes the client connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
		c.server.clients.Delete(c.id)
		if c.replica != nil && c.server.master != nil {
			c.server.master.Remove(c.replica)
		}
		c.server.logger.Debug("Client disconnected", "id", c.id)
	})
}

// handle serves requests until the connection ends. Replies are flushed
// once the pipeline of already received commands is drained.
func (c *Client) handle() {
	defer c.server.wg.Done()
	defer c.Close()

	for {
		if c.ctx.Err() != nil {
			return
		}

		if c.replica == nil && c.server.idleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.server.idleTimeout))
		}

		cmd, err := c.reader.ReadCommand()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.dispatch(cmd) {
			return
		}

		// replication links are written by the master only
		if c.replica == nil && c.reader.Buffered() == 0 {
			if err := c.flush(); err != nil {
				c.server.logger.Debug("Write failed", "id", c.id, "error", err)
				return
			}
		}
	}
}

func (c *Client) handleReadError(err error) {
	var perr *protocol.ProtocolError
	var netErr net.Error

	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), c.ctx.Err() != nil:
	case errors.As(err, &perr):
		c.writer.WriteError("ERR Protocol error: " + perr.Message)
		c.flush()
		c.server.errorCount.Inc(1)
		c.server.logger.Debug("Protocol error", "id", c.id, "error", perr.Message)
	case errors.As(err, &netErr) && netErr.Timeout():
		c.server.logger.Debug("Closing idle connection", "id", c.id)
	default:
		c.server.logger.Debug("Read failed", "id", c.id, "error", err)
	}
}

// dispatch runs one command. It returns false when the connection must be
// closed.
func (c *Client) dispatch(cmd *protocol.Command) bool {
	switch cmd.Name {
	case "QUIT":
		c.writer.WriteOK()
		c.flush()
		return false
	case "PSYNC":
		return c.handlePSync(cmd)
	case "REPLCONF":
		c.handleReplconf(cmd)
		return true
	}

	// a replication link only carries acknowledgements back
	if c.replica != nil {
		c.server.logger.Debug("Ignoring command on replication link", "id", c.id, "command", cmd.Name)
		return true
	}

	ctx := c.ctx
	if spec, ok := c.server.commands[cmd.Name]; ok && spec.flags&flagBlocking != 0 {
		var stop func()
		ctx, stop = c.watchDisconnect()
		defer stop()
	}

	reply := c.server.Execute(ctx, cmd)
	if reply.IsError() {
		c.server.errorCount.Inc(1)
	}
	if err := c.writer.WriteValue(reply); err != nil {
		return false
	}
	return true
}

// handlePSync answers PSYNC with a full resync and turns the connection
// into a replication link
func (c *Client) handlePSync(cmd *protocol.Command) bool {
	master := c.server.master
	if master == nil {
		c.writer.WriteError("ERR PSYNC is not available on a replica")
		return true
	}
	if c.replica != nil {
		return true
	}
	if len(cmd.Args) != 2 {
		c.writer.WriteError(wrongArity("psync"))
		return true
	}

	// pending replies go out before the snapshot
	if err := c.flush(); err != nil {
		return false
	}
	c.conn.SetReadDeadline(time.Time{})

	replica, err := master.FullResync(c.conn, c.listeningPort)
	if err != nil {
		c.server.logger.Error("Full resync failed", "id", c.id, "error", err)
		return false
	}
	c.replica = replica
	c.server.logger.Info("Replica attached", "id", c.id, "addr", c.conn.RemoteAddr().String(), "port", c.listeningPort)
	return true
}

// handleReplconf handles REPLCONF. ACK gets no reply.
func (c *Client) handleReplconf(cmd *protocol.Command) {
	if len(cmd.Args) == 0 {
		c.writer.WriteError(wrongArity("replconf"))
		return
	}

	switch strings.ToUpper(cmd.Args[0]) {
	case "ACK":
		if len(cmd.Args) < 2 {
			return
		}
		offset, err := parseInt(cmd.Args[1])
		if err != nil {
			c.server.logger.Debug("Malformed REPLCONF ACK", "id", c.id, "offset", cmd.Args[1])
			return
		}
		if c.server.master != nil {
			c.server.master.Ack(c.replica, offset)
		}
		return
	case "LISTENING-PORT":
		if len(cmd.Args) >= 2 {
			c.listeningPort = cmd.Args[1]
		}
	}

	if c.replica == nil {
		c.writer.WriteOK()
	}
}

// watchDisconnect returns a context that is cancelled if the peer hangs up
// while a blocking command runs. stop must be called before the connection
// is read again.
func (c *Client) watchDisconnect() (context.Context, func()) {
	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})

	c.conn.SetReadDeadline(time.Time{})
	go func() {
		defer close(done)
		err := c.reader.Peek()
		var netErr net.Error
		if err != nil && !(errors.As(err, &netErr) && netErr.Timeout()) {
			cancel()
		}
	}()

	return ctx, func() {
		// wake the watcher; buffered input is kept
		c.conn.SetReadDeadline(time.Now())
		<-done
		c.conn.SetReadDeadline(time.Time{})
		cancel()
	}
}

func (c *Client) flush() error {
	if c.server.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
	}
	return c.writer.Flush()
}

// ApplyReplicated applies a command received from the master. Only write
// commands reach the keyspace; PING keeps the link alive and anything else is
// refused. Replies are discarded; an error reply is returned as an error.
func (s *Server) ApplyReplicated(cmd *protocol.Command) error {
	spec, ok := s.commands[cmd.Name]
	switch {
	case !ok:
		return fmt.Errorf("unknown command '%s' on replication link", strings.ToLower(cmd.Name))
	case spec.name == "ping":
		return nil
	case spec.flags&flagBlocking != 0:
		return fmt.Errorf("blocking command '%s' not allowed on replication link", spec.name)
	case spec.flags&flagWrite == 0:
		return fmt.Errorf("command '%s' is not replicated", spec.name)
	}

	reply := s.Execute(s.ctx, cmd)
	if reply.IsError() {
		return errors.New(reply.Error())
	}
	return nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
