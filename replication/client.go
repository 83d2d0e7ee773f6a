package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/protocol"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

// Applier applies a command received from the master to the local dataset.
// It never produces a reply.
type Applier interface {
	ApplyReplicated(cmd *protocol.Command) error
}

// Client is the replica side of the replication link
type Client struct {
	masterAddr    string
	listeningPort int
	storage       storage.Storage
	applier       Applier

	mu        sync.RWMutex
	conn      net.Conn
	connected bool
	replID    string

	// bytes of the command stream processed since the last full resync
	offset atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	doneChan chan struct{}
	started  atomic.Bool

	syncOnce sync.Once
	synced   chan struct{}

	stats *ReplicationStats

	logger           Logger
	metrics          MetricsCollector
	connectTimeout   time.Duration
	handshakeTimeout time.Duration
	reconnectDelay   time.Duration
}

// ReplicationStats tracks replication statistics
type ReplicationStats struct {
	mu sync.RWMutex

	Connected            bool
	MasterAddr           string
	ReplID               string
	LastSyncTime         time.Time
	BytesReceived        int64
	CommandsProcessed    int64
	ReconnectCount       int64
	InitialSyncCompleted bool
}

// NewClient creates a replica client for masterAddr. listeningPort is the
// port this server accepts clients on, announced to the master.
func NewClient(masterAddr string, listeningPort int, stor storage.Storage) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		masterAddr:       masterAddr,
		listeningPort:    listeningPort,
		storage:          stor,
		applier:          &storageApplier{storage: stor},
		ctx:              ctx,
		cancel:           cancel,
		doneChan:         make(chan struct{}),
		synced:           make(chan struct{}),
		stats:            &ReplicationStats{MasterAddr: masterAddr},
		logger:           nopLogger{},
		connectTimeout:   5 * time.Second,
		handshakeTimeout: 30 * time.Second,
		reconnectDelay:   time.Second,
	}
}

// SetApplier replaces the default SET/DEL applier
func (c *Client) SetApplier(applier Applier) {
	if applier != nil {
		c.applier = applier
	}
}

// SetLogger sets the logger
func (c *Client) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetMetrics sets the metrics collector
func (c *Client) SetMetrics(metrics MetricsCollector) {
	c.metrics = metrics
}

// SetListeningPort changes the port announced with REPLCONF listening-port.
// It must be called before Start.
func (c *Client) SetListeningPort(port int) {
	c.listeningPort = port
}

// SetConnectTimeout sets the dial timeout
func (c *Client) SetConnectTimeout(timeout time.Duration) {
	c.connectTimeout = timeout
}

// SetHandshakeTimeout bounds the handshake and the snapshot transfer
func (c *Client) SetHandshakeTimeout(timeout time.Duration) {
	c.handshakeTimeout = timeout
}

// SetReconnectDelay sets the pause between connection attempts
func (c *Client) SetReconnectDelay(delay time.Duration) {
	c.reconnectDelay = delay
}

// Start begins replication in the background
func (c *Client) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("replication client already started")
	}
	c.logger.Info("Starting replication client", "master", c.masterAddr)
	go c.run()
	return nil
}

// Stop stops replication and waits for the link to close
func (c *Client) Stop() error {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	if !c.started.Load() {
		return nil
	}

	select {
	case <-c.doneChan:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("stop timeout")
	}
}

// WaitForSync blocks until the first full resync has been loaded
func (c *Client) WaitForSync(ctx context.Context) error {
	select {
	case <-c.synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.doneChan:
		return errors.New("replication stopped")
	}
}

// Offset returns the number of replication stream bytes processed
func (c *Client) Offset() int64 {
	return c.offset.Load()
}

// Info returns the replication section for INFO on a replica
func (c *Client) Info() Info {
	host, port, _ := net.SplitHostPort(c.masterAddr)

	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		Role:       RoleReplica,
		ReplID:     c.replID,
		Offset:     c.offset.Load(),
		MasterHost: host,
		MasterPort: port,
		LinkUp:     c.connected,
	}
}

// Stats returns current replication statistics
func (c *Client) Stats() ReplicationStats {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()

	return ReplicationStats{
		Connected:            c.stats.Connected,
		MasterAddr:           c.stats.MasterAddr,
		ReplID:               c.stats.ReplID,
		LastSyncTime:         c.stats.LastSyncTime,
		BytesReceived:        c.stats.BytesReceived,
		CommandsProcessed:    c.stats.CommandsProcessed,
		ReconnectCount:       c.stats.ReconnectCount,
		InitialSyncCompleted: c.stats.InitialSyncCompleted,
	}
}

// run is the main replication loop
func (c *Client) run() {
	defer close(c.doneChan)

	for {
		err := c.session()
		if c.ctx.Err() != nil {
			c.disconnect()
			return
		}
		if err != nil {
			c.logger.Error("Replication link failed", "master", c.masterAddr, "error", err)
		}
		c.disconnect()

		select {
		case <-time.After(c.reconnectDelay):
		case <-c.ctx.Done():
			return
		}
	}
}

// session runs one connection: handshake, full resync, then streaming
func (c *Client) session() error {
	dialer := &net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.DialContext(c.ctx, "tcp", c.masterAddr)
	if err != nil {
		c.recordMetricError("connection")
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.updateStats(func(s *ReplicationStats) {
		s.Connected = true
		s.ReconnectCount++
	})
	if c.metrics != nil {
		c.metrics.RecordReconnection()
	}
	c.logger.Info("Connected to master", "master", c.masterAddr)

	reader := protocol.NewReader(conn)
	writer := protocol.NewWriter(conn)

	if c.handshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.handshakeTimeout))
	}
	if err := c.handshake(reader, writer); err != nil {
		c.recordMetricError("handshake")
		return err
	}
	if err := c.fullSync(reader); err != nil {
		c.recordMetricError("sync")
		return err
	}
	// the link may stay idle for a long time
	_ = conn.SetDeadline(time.Time{})

	return c.streamCommands(reader, writer)
}

// handshake performs PING, REPLCONF listening-port, REPLCONF capa and PSYNC
func (c *Client) handshake(reader *protocol.Reader, writer *protocol.Writer) error {
	steps := []struct {
		args   []string
		expect string
	}{
		{[]string{"PING"}, "PONG"},
		{[]string{"REPLCONF", "listening-port", strconv.Itoa(c.listeningPort)}, "OK"},
		{[]string{"REPLCONF", "capa", "psync2"}, "OK"},
	}

	for _, step := range steps {
		reply, err := c.roundTrip(reader, writer, step.args)
		if err != nil {
			return err
		}
		if !strings.EqualFold(reply.String(), step.expect) {
			return &HandshakeError{Step: step.args[0], Reply: reply.String()}
		}
	}

	reply, err := c.roundTrip(reader, writer, []string{"PSYNC", "?", "-1"})
	if err != nil {
		return err
	}
	parts := strings.Fields(reply.String())
	if len(parts) < 3 || parts[0] != "FULLRESYNC" {
		return &HandshakeError{Step: "PSYNC", Reply: reply.String()}
	}
	if _, err := strconv.ParseInt(parts[2], 10, 64); err != nil {
		return &HandshakeError{Step: "PSYNC", Reply: reply.String()}
	}

	c.mu.Lock()
	c.replID = parts[1]
	c.mu.Unlock()
	c.updateStats(func(s *ReplicationStats) { s.ReplID = parts[1] })
	return nil
}

func (c *Client) roundTrip(reader *protocol.Reader, writer *protocol.Writer, args []string) (protocol.Value, error) {
	if err := writer.WriteCommand(args[0], args[1:]...); err != nil {
		return protocol.Value{}, err
	}
	if err := writer.Flush(); err != nil {
		return protocol.Value{}, err
	}
	reply, err := reader.ReadNext()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return protocol.Value{}, fmt.Errorf("%s: connection closed by master", args[0])
		}
		return protocol.Value{}, fmt.Errorf("%s: %w", args[0], err)
	}
	if reply.IsError() {
		return protocol.Value{}, &HandshakeError{Step: args[0], Reply: reply.Error()}
	}
	return reply, nil
}

// fullSync reads the snapshot that follows FULLRESYNC and replaces the
// local dataset with it
func (c *Client) fullSync(reader *protocol.Reader) error {
	start := time.Now()

	var rdb bytes.Buffer
	err := reader.ReadBulkStringForReplication(func(chunk []byte) error {
		rdb.Write(chunk)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read RDB data: %w", err)
	}

	if err := c.storage.FlushAll(); err != nil {
		return err
	}
	loader := NewStorageLoader(c.storage, c.logger)
	parser := NewRDBParser(&rdb, loader)
	parser.SetLogger(c.logger)
	if err := parser.Parse(); err != nil {
		// the stream itself is intact, only the dataset is incomplete
		c.logger.Error("RDB parsing failed", "error", err, "size", rdb.Len())
	}

	c.offset.Store(0)
	c.updateStats(func(s *ReplicationStats) {
		s.InitialSyncCompleted = true
		s.LastSyncTime = time.Now()
		s.BytesReceived += int64(rdb.Len())
	})
	if c.metrics != nil {
		c.metrics.RecordSyncDuration(time.Since(start))
	}
	c.syncOnce.Do(func() { close(c.synced) })

	c.logger.Info("Full resync completed", "keys", loader.Keys, "duration", time.Since(start))
	return nil
}

// streamCommands replays the command stream until the link drops
func (c *Client) streamCommands(reader *protocol.Reader, writer *protocol.Writer) error {
	for {
		cmd, err := reader.ReadCommand()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("connection closed by master")
			}
			return fmt.Errorf("read command failed: %w", err)
		}

		if err := c.processCommand(cmd, writer); err != nil {
			return err
		}
	}
}

// processCommand applies one replicated command. Only GETACK is answered,
// with the offset as it stood before the GETACK itself.
func (c *Client) processCommand(cmd *protocol.Command, writer *protocol.Writer) error {
	start := time.Now()
	defer func() {
		c.offset.Add(cmd.Size)
		c.updateStats(func(s *ReplicationStats) {
			s.CommandsProcessed++
			s.BytesReceived += cmd.Size
		})
		if c.metrics != nil {
			c.metrics.RecordCommandProcessed(cmd.Name, time.Since(start))
			c.metrics.RecordNetworkBytes(cmd.Size)
		}
	}()

	if cmd.Name == "REPLCONF" && len(cmd.Args) > 0 && strings.EqualFold(cmd.Args[0], "GETACK") {
		ack := strconv.FormatInt(c.offset.Load(), 10)
		if err := writer.WriteCommand("REPLCONF", "ACK", ack); err != nil {
			return err
		}
		return writer.Flush()
	}

	if cmd.Name == "PING" {
		return nil
	}

	if err := c.applier.ApplyReplicated(cmd); err != nil {
		c.logger.Error("Failed to apply replicated command", "command", cmd.Name, "error", err)
		c.recordMetricError("apply")
	}
	return nil
}

// disconnect closes the connection
func (c *Client) disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.mu.Unlock()

	c.updateStats(func(s *ReplicationStats) {
		s.Connected = false
	})
}

// updateStats atomically updates statistics
func (c *Client) updateStats(fn func(*ReplicationStats)) {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	fn(c.stats)
}

func (c *Client) recordMetricError(errorType string) {
	if c.metrics != nil {
		c.metrics.RecordError(errorType)
	}
}

// HandshakeError reports an unexpected master reply during the handshake
type HandshakeError struct {
	Step  string
	Reply string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake %s: unexpected reply %q", e.Step, e.Reply)
}

// storageApplier applies SET and DEL straight to a storage
type storageApplier struct {
	storage storage.Storage
}

func (a *storageApplier) ApplyReplicated(cmd *protocol.Command) error {
	switch cmd.Name {
	case "SET":
		if len(cmd.Args) < 2 {
			return fmt.Errorf("SET requires at least 2 arguments")
		}
		expiry, err := ParseSetExpiry(cmd.Args[2:], time.Now())
		if err != nil {
			return err
		}
		return a.storage.Set(cmd.Args[0], []byte(cmd.Args[1]), expiry)
	case "DEL":
		a.storage.Del(cmd.Args...)
		return nil
	}
	return nil
}

// ParseSetExpiry reads the PX/EX options following SET key value. Any other
// option is a syntax error.
func ParseSetExpiry(opts []string, now time.Time) (*time.Time, error) {
	var expiry *time.Time
	for i := 0; i < len(opts); i++ {
		unit := time.Duration(0)
		switch strings.ToUpper(opts[i]) {
		case "PX":
			unit = time.Millisecond
		case "EX":
			unit = time.Second
		default:
			return nil, ErrSyntax
		}
		if i+1 >= len(opts) {
			return nil, ErrSyntax
		}
		n, err := strconv.ParseInt(opts[i+1], 10, 64)
		if err != nil || n <= 0 || n > math.MaxInt64/int64(unit) {
			return nil, ErrInvalidExpire
		}
		t := now.Add(time.Duration(n) * unit)
		expiry = &t
		i++
	}
	return expiry, nil
}

var (
	// ErrSyntax is returned for a malformed option list
	ErrSyntax = errors.New("syntax error")
	// ErrInvalidExpire is returned for a non-positive or non-numeric expire
	ErrInvalidExpire = errors.New("invalid expire time")
)
