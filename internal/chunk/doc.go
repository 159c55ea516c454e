// Package chunk models the unit the cache engine stores and replays: a typed,
// sized byte block (status line, header, end-of-headers, data, trailer,
// end-of-trailers, end-of-message). Blocks travel with a 4-byte descriptor
// word whose layout is shared with persisted cache files, so Encode/Decode
// must stay bit-compatible across releases.
package chunk
