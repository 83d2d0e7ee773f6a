package redisserver

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/raniellyferreira/redis-inmemory-server/replication"
	"github.com/raniellyferreira/redis-inmemory-server/server"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

// Server is a Redis-compatible in-memory server, either a replication
// master or a replica of one
type Server struct {
	// Configuration
	config *config

	// Components
	storage *storage.Memory
	server  *server.Server
	master  *replication.Master
	replica *replication.Client

	// State
	mu      sync.RWMutex
	started bool
	closed  bool
}

// New creates a new Server with the given options
//
// The server is created but not started. Use Start() to load the snapshot
// and begin accepting connections.
//
// Example:
//
//	srv, err := redisserver.New(
//		redisserver.WithPort(6380),
//		redisserver.WithReplicaOf("localhost 6379"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
func New(opts ...Option) (*Server, error) {
	cfg := defaultConfig()

	// Apply options
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	stor := storage.NewMemory(
		storage.WithIDOrdering(cfg.idOrdering),
		storage.WithMatching(cfg.matching),
	)

	logger := &loggerAdapter{logger: cfg.logger}

	srv := server.NewServer(cfg.addr(), stor)
	srv.SetLogger(logger)
	srv.SetConfig(cfg.settings())
	srv.SetVersion(Version)
	srv.SetTimeouts(cfg.idleTimeout, cfg.writeTimeout)

	s := &Server{
		config:  cfg,
		storage: stor,
		server:  srv,
	}

	var metrics *metricsAdapter
	if cfg.metrics != nil {
		metrics = &metricsAdapter{metrics: cfg.metrics}
		srv.SetMetrics(metrics)
	}

	if cfg.isReplica() {
		masterAddr := net.JoinHostPort(cfg.masterHost, strconv.Itoa(cfg.masterPort))
		s.replica = replication.NewClient(masterAddr, cfg.port, stor)
		s.replica.SetLogger(logger)
		s.replica.SetReconnectDelay(cfg.reconnectDelay)
		if metrics != nil {
			s.replica.SetMetrics(metrics)
		}
		srv.SetReplica(s.replica)
	} else {
		masterOpts := []replication.MasterOption{replication.WithMasterLogger(logger)}
		if cfg.replID != "" {
			masterOpts = append(masterOpts, replication.WithReplicationID(cfg.replID))
		}
		if metrics != nil {
			masterOpts = append(masterOpts, replication.WithMasterMetrics(metrics))
		}
		if cfg.writeTimeout > 0 {
			masterOpts = append(masterOpts, replication.WithReplicaWriteTimeout(cfg.writeTimeout))
		}
		s.master = replication.NewMaster(masterOpts...)
		srv.SetMaster(s.master)

		if vm, ok := cfg.metrics.(*VictoriaMetrics); ok {
			vm.TrackReplicas(s.master.ReplicaCount)
		}
	}

	return s, nil
}

// Start loads the snapshot file, starts listening and, on a replica,
// connects to the master. It does not wait for the initial sync; use
// WaitForSync for that.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil // Already started
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.loadSnapshot()

	if err := s.server.Start(); err != nil {
		return &ConnectionError{Addr: s.config.addr(), Err: err}
	}

	if s.replica != nil {
		// the announced port must be the bound one when the config asked for :0
		if _, portStr, err := net.SplitHostPort(s.server.Addr()); err == nil {
			if port, err := strconv.Atoi(portStr); err == nil {
				s.replica.SetListeningPort(port)
			}
		}
		if err := s.replica.Start(); err != nil {
			s.server.Stop()
			return &SyncError{Phase: "handshake", Err: err}
		}
	}

	s.started = true
	s.config.logger.Info("Server started",
		Field{Key: "addr", Value: s.server.Addr()},
		Field{Key: "role", Value: string(s.Role())},
		Field{Key: "version", Value: Version},
	)
	return nil
}

// loadSnapshot seeds the keyspace from dir/dbfilename. Failures are logged
// and leave the keyspace empty.
func (s *Server) loadSnapshot() {
	path := filepath.Join(s.config.dir, s.config.dbfilename)
	loader := replication.NewStorageLoader(s.storage, &loggerAdapter{logger: s.config.logger})

	err := replication.LoadFile(path, loader, &loggerAdapter{logger: s.config.logger})
	switch {
	case err == nil:
		s.config.logger.Info("Snapshot loaded", Field{Key: "path", Value: path}, Field{Key: "keys", Value: loader.Keys})
	case errors.Is(err, os.ErrNotExist):
		s.config.logger.Info("No snapshot found, starting empty", Field{Key: "path", Value: path})
	default:
		s.storage.FlushAll()
		s.config.logger.Error("Failed to load snapshot, starting empty",
			Field{Key: "error", Value: &SyncError{Phase: "snapshot", Path: path, Err: err}})
	}
}

// WaitForSync blocks until a replica completed its first full resync or ctx
// ends. It returns ErrNotReplica on a master.
func (s *Server) WaitForSync(ctx context.Context) error {
	if s.replica == nil {
		return ErrNotReplica
	}
	if !s.isStarted() {
		return ErrNotStarted
	}
	return s.replica.WaitForSync(ctx)
}

// Close stops the replica link, disconnects every client and releases the
// keyspace
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.started {
		if s.replica != nil {
			if err := s.replica.Stop(); err != nil {
				s.config.logger.Error("Error stopping replication", Field{Key: "error", Value: err})
			}
		}
		if err := s.server.Stop(); err != nil {
			s.config.logger.Error("Error stopping server", Field{Key: "error", Value: err})
		}
	}

	return s.storage.Close()
}

// Addr returns the listening address, resolved once started
func (s *Server) Addr() string {
	return s.server.Addr()
}

// Role returns the replication role
func (s *Server) Role() replication.Role {
	if s.replica != nil {
		return replication.RoleReplica
	}
	return replication.RoleMaster
}

// Storage returns the underlying keyspace for direct access
func (s *Server) Storage() storage.Storage {
	return s.storage
}

// ReplicationInfo returns the replication section as INFO reports it
func (s *Server) ReplicationInfo() replication.Info {
	if s.replica != nil {
		return s.replica.Info()
	}
	return s.master.Info()
}

// Stats returns server and keyspace statistics
func (s *Server) Stats() map[string]interface{} {
	stats := s.server.Stats()
	for k, v := range s.storage.Info() {
		stats[k] = v
	}
	stats["role"] = string(s.Role())
	stats["version"] = VersionInfo()
	return stats
}

// isStarted returns true if the server is started (thread-safe)
func (s *Server) isStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.closed
}
