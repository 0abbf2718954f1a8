// Package mcp exposes corpusd over the Model Context Protocol.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and calls the ingest and search services directly. Tools cover tenant
// search, backlog embedding, embedding deletion, gap answers and tool
// discovery. Answers and source text are scrubbed for secrets before they
// are returned to clients.
package mcp
