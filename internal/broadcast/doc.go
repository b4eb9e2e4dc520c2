// Package broadcast implements the push side of the relay: a raw TCP server
// that appends every producer buffer, unframed, to the stream of each
// connected client.
//
// Writes use a two-phase barrier. Server.Write publishes the buffer, hands
// exactly one ready signal to every registered connection, then waits for
// exactly as many completion signals before sweeping connections that failed
// or were closed by their peer. The producer is therefore blocked until every
// client that was live at the start of the call has attempted the full write
// once. A client that stops reading stalls the producer; there are no write
// timeouts.
package broadcast
