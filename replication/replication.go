package replication

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DefaultReplicationID is the replication id a master reports
const DefaultReplicationID = "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb"

const emptyRDBHex = "524544495330303131fa0972656469732d76657205372e322e30fa0a72656469732d62697473c040fa056374696d65c26d08bc65fa08757365642d6d656dc2b0c41000fa08616f662d62617365c000fff06e3bfec0ff5aa2"

// EmptyRDB returns the snapshot sent on every full resync: an RDB file
// describing an empty database.
func EmptyRDB() []byte {
	b, err := hex.DecodeString(emptyRDBHex)
	if err != nil {
		panic(err)
	}
	return b
}

// Role is the replication role of the process
type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "slave"
)

// Logger interface for replication logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector interface for replication metrics
type MetricsCollector interface {
	RecordSyncDuration(duration time.Duration)
	RecordCommandProcessed(cmd string, duration time.Duration)
	RecordNetworkBytes(bytes int64)
	RecordReconnection()
	RecordError(errorType string)
}

// ReplicaInfo describes one registered replica
type ReplicaInfo struct {
	Addr      string
	Port      string
	Offset    int64
	AckOffset int64
	Active    bool
}

// Info is the replication section of INFO
type Info struct {
	Role       Role
	ReplID     string
	Offset     int64
	MasterHost string
	MasterPort string
	LinkUp     bool
	Replicas   []ReplicaInfo
}

// String renders the section as INFO prints it, CRLF separated
func (i Info) String() string {
	lines := []string{
		"# Replication",
		"role:" + string(i.Role),
	}

	if i.Role == RoleReplica {
		status := "down"
		if i.LinkUp {
			status = "up"
		}
		lines = append(lines,
			"master_host:"+i.MasterHost,
			"master_port:"+i.MasterPort,
			"master_link_status:"+status,
		)
	} else {
		lines = append(lines, fmt.Sprintf("connected_slaves:%d", len(i.Replicas)))
		for n, r := range i.Replicas {
			lines = append(lines, fmt.Sprintf("slave%d:ip=%s,port=%s,state=online,offset=%d,lag=0", n, r.Addr, r.Port, r.AckOffset))
		}
	}

	lines = append(lines,
		"master_replid:"+i.ReplID,
		fmt.Sprintf("master_repl_offset:%d", i.Offset),
	)
	return strings.Join(lines, "\r\n")
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
