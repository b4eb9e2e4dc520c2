// Package snapshot caches the latest still frame, motion block and config
// blob published by the encoder, and serves them over a deliberately small
// HTTP/1.1 subset: one GET per connection, one response, then close.
//
// Each accepted connection gets its own short-lived processor goroutine. A
// processor marks itself closed when it is done and pokes the reaper, which
// unlinks closed processors from the server's registry.
package snapshot
