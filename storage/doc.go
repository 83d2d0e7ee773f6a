// Package storage holds the server's keyspace.
//
// Values are tagged (string, stream, and the list/set/zset/hash shapes a
// snapshot file can contain) so TYPE is a direct lookup. Expiry is lazy:
// an expired key stays in memory until the next access notices it.
//
// Basic usage:
//
//	s := storage.NewMemory()
//	_ = s.Set("key", []byte("value"), nil)
//	value, ok := s.Get("key")
//
//	id, err := s.XAdd("events", "*", []string{"temp", "21"})
//
// Streams keep their entries ordered by id. Blocking readers wait on a
// per-key notification that XAdd fires after every append.
package storage
