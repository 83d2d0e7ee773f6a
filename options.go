package redisserver

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

// config holds the configuration for a Server
type config struct {
	// Listener settings
	host string
	port int

	// Snapshot location
	dir        string
	dbfilename string

	// Replication: masterHost is empty on a master
	masterHost     string
	masterPort     int
	replID         string
	reconnectDelay time.Duration

	// Timeouts
	idleTimeout  time.Duration
	writeTimeout time.Duration

	// Keyspace behavior
	idOrdering storage.IDOrdering
	matching   storage.MatchingStrategy

	// Observability
	logger  Logger
	metrics MetricsCollector
}

// defaultConfig returns a configuration with sensible defaults
func defaultConfig() *config {
	return &config{
		port:           6379,
		dir:            ".",
		dbfilename:     "dump.rdb",
		reconnectDelay: time.Second,
		writeTimeout:   10 * time.Second,
		idOrdering:     storage.OrderingDecimal,
		matching:       storage.MatchSubstring,
		logger:         &defaultLogger{level: LevelInfo},
	}
}

func (c *config) addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// isReplica reports whether a master was configured
func (c *config) isReplica() bool {
	return c.masterHost != ""
}

// settings is what CONFIG GET answers with
func (c *config) settings() map[string]string {
	replicaof := ""
	if c.isReplica() {
		replicaof = c.masterHost + " " + strconv.Itoa(c.masterPort)
	}
	return map[string]string{
		"dir":           c.dir,
		"dbfilename":    c.dbfilename,
		"port":          strconv.Itoa(c.port),
		"bind":          c.host,
		"replicaof":     replicaof,
		"timeout":       strconv.Itoa(int(c.idleTimeout.Seconds())),
		"id-ordering":   c.idOrdering.String(),
		"keys-matching": c.matching.String(),
	}
}

// Option represents a configuration option for a Server
type Option func(*config) error

// WithAddr sets the listen address as host:port
//
// Example:
//
//	WithAddr("127.0.0.1:6379")
//	WithAddr(":0") // any free port
func WithAddr(addr string) Option {
	return func(c *config) error {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return &ConnectionError{Addr: addr, Err: ErrInvalidConfig}
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 65535 {
			return &ConnectionError{Addr: addr, Err: ErrInvalidConfig}
		}
		c.host = host
		c.port = port
		return nil
	}
}

// WithPort sets the listen port, keeping the host
func WithPort(port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return ErrInvalidConfig
		}
		c.port = port
		return nil
	}
}

// WithDir sets the directory holding the snapshot file
func WithDir(dir string) Option {
	return func(c *config) error {
		if dir == "" {
			return ErrInvalidConfig
		}
		c.dir = dir
		return nil
	}
}

// WithDBFilename sets the snapshot file name inside the directory
func WithDBFilename(name string) Option {
	return func(c *config) error {
		if name == "" || strings.ContainsAny(name, `/\`) {
			return ErrInvalidConfig
		}
		c.dbfilename = name
		return nil
	}
}

// WithReplicaOf makes the server a replica of the given master. The value
// has the form "<host> <port>"; an empty string keeps the master role.
//
// Example:
//
//	WithReplicaOf("localhost 6379")
func WithReplicaOf(master string) Option {
	return func(c *config) error {
		if strings.TrimSpace(master) == "" {
			c.masterHost, c.masterPort = "", 0
			return nil
		}
		parts := strings.Fields(master)
		if len(parts) != 2 {
			return &ConnectionError{Addr: master, Err: ErrInvalidConfig}
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil || port <= 0 || port > 65535 {
			return &ConnectionError{Addr: master, Err: ErrInvalidConfig}
		}
		c.masterHost = parts[0]
		c.masterPort = port
		return nil
	}
}

// WithReplicationID sets the replication id a master reports
func WithReplicationID(id string) Option {
	return func(c *config) error {
		if len(id) != 40 {
			return ErrInvalidConfig
		}
		c.replID = id
		return nil
	}
}

// WithReconnectDelay sets how long a replica waits before redialing its master
func WithReconnectDelay(delay time.Duration) Option {
	return func(c *config) error {
		if delay <= 0 {
			return ErrInvalidConfig
		}
		c.reconnectDelay = delay
		return nil
	}
}

// WithIdleTimeout closes client connections idle for longer than timeout.
// Zero disables it.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return ErrInvalidConfig
		}
		c.idleTimeout = timeout
		return nil
	}
}

// WithWriteTimeout bounds each reply flush. Zero disables it.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return ErrInvalidConfig
		}
		c.writeTimeout = timeout
		return nil
	}
}

// WithStreamIDOrdering selects how XRANGE and XREAD compare entry ids
func WithStreamIDOrdering(ordering storage.IDOrdering) Option {
	return func(c *config) error {
		c.idOrdering = ordering
		return nil
	}
}

// WithKeysMatching selects how KEYS applies a pattern other than "*"
func WithKeysMatching(strategy storage.MatchingStrategy) Option {
	return func(c *config) error {
		c.matching = strategy
		return nil
	}
}

// WithLogger sets a custom logger
func WithLogger(logger Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return ErrInvalidConfig
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics enables metrics collection with the provided collector
//
// Example:
//
//	WithMetrics(redisserver.NewVictoriaMetrics())
func WithMetrics(collector MetricsCollector) Option {
	return func(c *config) error {
		c.metrics = collector
		return nil
	}
}
