// Package server accepts RESP client connections and dispatches their
// commands against the keyspace.
//
// A Server starts out as a replication master: SET and DEL are forwarded to
// every replica that completed PSYNC, and WAIT probes those replicas for
// acknowledgements. SetReplica switches it to the replica role, where writes
// arrive from the master link through ApplyReplicated instead.
//
// Supported commands:
//   - PING, ECHO, QUIT, SELECT 0, COMMAND
//   - SET [PX|EX], GET, DEL, EXISTS, TYPE, KEYS
//   - XADD, XRANGE, XREAD [COUNT] [BLOCK]
//   - CONFIG GET, INFO, WAIT, REPLCONF, PSYNC
//   - EVAL, EVALSHA, SCRIPT LOAD|EXISTS|FLUSH
//
// Replies are buffered and flushed once every pipelined request that has
// already arrived was answered.
package server
