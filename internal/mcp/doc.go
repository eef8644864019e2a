// Package mcp implements MCP (Model Context Protocol) client support.
// Both ends of the system use it: the hub speaks to leaf MCPs for tool
// discovery and forwarding, and agents speak to the MCPs they host
// locally on the hub's behalf.
//
// MCP uses JSON-RPC 2.0 over two transports: stdio (subprocess) and
// streamable HTTP. The typed Client covers the handshake plus the
// tools/list and tools/call operations. The transports additionally
// support raw message exchange, used when forwarded traffic must pass
// through with its own ids and payload untouched.
package mcp
