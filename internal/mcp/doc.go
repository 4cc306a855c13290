// Package mcp implements the client side of the Model Context Protocol
// for snapmark: a registry of spawnable tool servers, a Session that
// drives one server over newline-delimited JSON-RPC 2.0 on stdio, and
// the custom subprocess strategy for servers that do not speak the
// protocol.
//
// A Session moves through a fixed lifecycle:
//
//	Unopened → Spawned → Handshaken → Ready → Closing → Closed
//
// Open spawns the process, Handshake performs initialize plus
// notifications/initialized, ListTools discovers the catalog, and Close
// tears everything down. Close always passes through Closing, is safe to
// call more than once, and cancels exactly the goroutines the Session
// started.
//
// snapmark never acts as an MCP server; the fake server in the mcptest
// subpackage exists only for tests.
package mcp
