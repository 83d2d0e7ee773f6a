// Package redisserver provides an in-memory Redis-compatible server with
// string keys, streams and master/replica replication.
//
// A server started without a master is a replication master: it accepts
// PSYNC from replicas, forwards SET and DEL to them and answers WAIT. With
// WithReplicaOf it becomes a replica that performs the handshake, loads the
// full resync snapshot and applies the master's write stream.
//
// Basic usage:
//
//	srv, err := redisserver.New(
//		redisserver.WithPort(6379),
//		redisserver.WithDir("/var/lib/redis"),
//		redisserver.WithDBFilename("dump.rdb"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Close()
//
//	if err := srv.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
// A replica of that server:
//
//	replica, err := redisserver.New(
//		redisserver.WithPort(6380),
//		redisserver.WithReplicaOf("localhost 6379"),
//	)
//	...
//	if err := replica.WaitForSync(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// The snapshot file named by WithDir and WithDBFilename is read once at
// startup. A missing or unreadable file leaves the keyspace empty.
package redisserver
