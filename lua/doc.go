// Package lua runs EVAL and EVALSHA scripts with gopher-lua.
//
// Scripts see KEYS and ARGV and reach the keyspace through redis.call and
// redis.pcall, which hand each command to an Executor, normally the server's
// dispatcher, so scripted writes are propagated like any other write.
// Replies are converted with the usual Redis rules: nil is false, status and
// error replies become {ok=...} and {err=...} tables.
//
// Only the base, table, string and math libraries are opened.
package lua
