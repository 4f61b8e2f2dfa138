// Package service owns the client side of command dispatch.
//
// Ownership boundary:
// - session lifecycle (connect + pointer-size handshake, close, domain
//   conversion, clone)
// - command formatting from a Session and DispatchOptions
// - response parsing into payload, sub-object Sessions and handles
// - the Dispatch orchestration and its error taxonomy
//
// A Session is a small value. Roots own a transport handle; domain children
// address an object id multiplexed over a parent's handle. Dispatch takes the
// Session by value, so the call works on a snapshot. A Session must not be
// used for two concurrent calls without external locking; distinct Sessions
// may dispatch concurrently because every call borrows its own message
// buffer.
package service
