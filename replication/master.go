package replication

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/protocol"
)

// Replica is a connection that completed PSYNC
type Replica struct {
	conn net.Conn
	port string

	// guarded by Master.mu
	offset    int64
	ackOffset int64
	active    bool
}

// Master keeps the replica registry of a master and the replication
// stream offset. Registry changes, propagation and WAIT probes all happen
// under one mutex so every replica sees writes in the order they were
// applied.
type Master struct {
	mu       sync.Mutex
	replID   string
	offset   int64
	replicas []*Replica

	// WAIT bookkeeping
	acks      int
	ackSignal chan struct{}

	snapshot     []byte
	writeTimeout time.Duration

	logger  Logger
	metrics MetricsCollector
}

// MasterOption configures a Master
type MasterOption func(*Master)

// WithMasterLogger sets the logger
func WithMasterLogger(logger Logger) MasterOption {
	return func(m *Master) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMasterMetrics sets the metrics collector
func WithMasterMetrics(metrics MetricsCollector) MasterOption {
	return func(m *Master) {
		m.metrics = metrics
	}
}

// WithReplicaWriteTimeout bounds every write to a replica connection
func WithReplicaWriteTimeout(d time.Duration) MasterOption {
	return func(m *Master) {
		m.writeTimeout = d
	}
}

// WithReplicationID overrides DefaultReplicationID
func WithReplicationID(id string) MasterOption {
	return func(m *Master) {
		if id != "" {
			m.replID = id
		}
	}
}

// NewMaster creates the master-side replication state
func NewMaster(opts ...MasterOption) *Master {
	m := &Master{
		replID:       DefaultReplicationID,
		ackSignal:    make(chan struct{}),
		snapshot:     EmptyRDB(),
		writeTimeout: 5 * time.Second,
		logger:       nopLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ReplID returns the replication id
func (m *Master) ReplID() string {
	return m.replID
}

// Offset returns the number of bytes written to the replication stream
func (m *Master) Offset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

// FullResync answers PSYNC on conn: the FULLRESYNC header, then the empty
// snapshot framed as a bulk string with no trailing CRLF. On success conn is
// registered as an active replica with offset 0.
func (m *Master) FullResync(conn net.Conn, listeningPort string) (*Replica, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload := make([]byte, 0, 64+len(m.snapshot))
	payload = protocol.AppendSimpleString(payload, fmt.Sprintf("FULLRESYNC %s %d", m.replID, m.offset))
	payload = append(payload, '$')
	payload = strconv.AppendInt(payload, int64(len(m.snapshot)), 10)
	payload = append(payload, protocol.CRLF...)
	payload = append(payload, m.snapshot...)

	if err := m.write(conn, payload); err != nil {
		return nil, fmt.Errorf("full resync: %w", err)
	}

	r := &Replica{conn: conn, port: listeningPort, active: true}
	m.replicas = append(m.replicas, r)
	m.logger.Info("Replica registered", "addr", conn.RemoteAddr().String(), "port", listeningPort)
	return r, nil
}

// Propagate sends a write command to every active replica, advancing each
// replica's offset by the encoded length. A replica whose write fails is
// marked inactive and dropped on the next pass.
func (m *Master) Propagate(tokens []string) {
	payload := protocol.EncodeArray(tokens)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.prune()
	m.offset += int64(len(payload))
	for _, r := range m.replicas {
		m.send(r, payload)
	}
}

// Wait implements WAIT: it probes lagging replicas with REPLCONF GETACK and
// returns once numReplicas have acknowledged or timeout elapses (zero means
// no timeout). Replicas that were never written to count immediately. The
// result never exceeds the number of active replicas.
func (m *Master) Wait(ctx context.Context, numReplicas int, timeout time.Duration) int {
	getack := protocol.EncodeArray([]string{"REPLCONF", "GETACK", "*"})

	m.mu.Lock()
	m.acks = 0
	m.prune()
	probed := false
	for _, r := range m.replicas {
		if r.offset == 0 {
			m.acks++
			continue
		}
		if m.send(r, getack) {
			probed = true
		}
	}
	if probed {
		m.offset += int64(len(getack))
	}
	m.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		m.mu.Lock()
		acked, active := m.acks, m.activeCount()
		signal := m.ackSignal
		m.mu.Unlock()

		if acked >= numReplicas {
			return min(acked, active)
		}

		select {
		case <-signal:
		case <-expired:
			return m.ackedNow()
		case <-ctx.Done():
			return m.ackedNow()
		}
	}
}

// Ack records a REPLCONF ACK received from r
func (m *Master) Ack(r *Replica, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.acks++
	if r != nil {
		r.ackOffset = offset
	}
	close(m.ackSignal)
	m.ackSignal = make(chan struct{})
}

// Remove drops r from the registry, as when its connection closes
func (m *Master) Remove(r *Replica) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.active = false
	m.prune()
}

// ReplicaCount returns the number of active replicas
func (m *Master) ReplicaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCount()
}

// Info returns the replication section for INFO
func (m *Master) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := Info{
		Role:   RoleMaster,
		ReplID: m.replID,
		Offset: m.offset,
	}
	for _, r := range m.replicas {
		if !r.active {
			continue
		}
		host, _, _ := net.SplitHostPort(r.conn.RemoteAddr().String())
		info.Replicas = append(info.Replicas, ReplicaInfo{
			Addr:      host,
			Port:      r.port,
			Offset:    r.offset,
			AckOffset: r.ackOffset,
			Active:    true,
		})
	}
	return info
}

func (m *Master) ackedNow() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return min(m.acks, m.activeCount())
}

// send writes payload to r and advances its offset. Must hold m.mu.
func (m *Master) send(r *Replica, payload []byte) bool {
	if !r.active {
		return false
	}
	if err := m.write(r.conn, payload); err != nil {
		r.active = false
		m.logger.Error("Replica write failed", "addr", r.conn.RemoteAddr().String(), "error", err)
		if m.metrics != nil {
			m.metrics.RecordError("replica_write")
		}
		return false
	}
	r.offset += int64(len(payload))
	return true
}

func (m *Master) write(conn net.Conn, payload []byte) error {
	if m.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(m.writeTimeout)); err != nil {
			return err
		}
	}
	if _, err := conn.Write(payload); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.RecordNetworkBytes(int64(len(payload)))
	}
	return nil
}

// prune drops inactive replicas. Must hold m.mu.
func (m *Master) prune() {
	kept := m.replicas[:0]
	for _, r := range m.replicas {
		if r.active {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(m.replicas); i++ {
		m.replicas[i] = nil
	}
	m.replicas = kept
}

func (m *Master) activeCount() int {
	n := 0
	for _, r := range m.replicas {
		if r.active {
			n++
		}
	}
	return n
}
