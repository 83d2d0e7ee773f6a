// Package protocol implements the Redis Serialization Protocol (RESP)
// as spoken between clients, the server and its replicas.
//
// Reader parses a byte stream into values and counts every byte it
// consumes, which is what replication offsets are measured in:
//
//	reader := protocol.NewReader(conn)
//	for {
//		cmd, err := reader.ReadCommand()
//		if err != nil {
//			break
//		}
//		// cmd.Size is the number of bytes cmd took on the wire
//	}
//
// Lines that do not start with a RESP type byte are treated as inline
// commands ("PING\r\n"). The Append*/Encode* helpers build replies
// without a Writer, and Decode flattens a whole buffer into tokens.
package protocol
