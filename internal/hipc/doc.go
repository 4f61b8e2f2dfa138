// Package hipc owns the transport-level message layout.
//
// Ownership boundary:
// - message header and special header bit layout
// - static, buffer and receive-list descriptor encoding
// - copy/move handle lists and data-word placement
// - result code representation
//
// Every value is little endian and packed exactly as the kernel reads it.
// Nothing in this package knows about command ids or object domains; that
// lives one layer up in package cmif.
package hipc
