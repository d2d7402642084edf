// Package moq implements the wire codec for MoQ Transport drafts 14 and 15:
// the varint integer format, length-exact stream reads, control message
// framing and serialization, key-value parameters with structured
// authorization tokens, and the subgroup stream and datagram object formats.
//
// This package contains no session or delivery logic; those higher-level
// concerns live in [github.com/zsiec/moqlink/internal/session] and
// [github.com/zsiec/moqlink/internal/delivery].
package moq
