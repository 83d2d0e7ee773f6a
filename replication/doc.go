// Package replication implements both ends of master/replica replication.
//
// On the master, Master keeps the registry of replica connections. PSYNC
// answers with a full resync (header plus a fixed empty snapshot), every
// write is propagated to the active replicas, and WAIT probes them with
// REPLCONF GETACK and counts the acknowledgements that come back.
//
// On a replica, Client performs the handshake against the configured
// master:
//
//	PING -> REPLCONF listening-port <port> -> REPLCONF capa psync2 -> PSYNC ? -1
//
// loads the snapshot that follows FULLRESYNC, and then replays the command
// stream through an Applier. REPLCONF GETACK is answered with the number of
// stream bytes processed before it.
//
// The package also contains a streaming RDB reader used both for the
// resync payload and for the snapshot file loaded at startup.
package replication
