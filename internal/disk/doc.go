// Package disk persists cache entries as one file per captured response.
// Files live under <root>/<h0>/<h0h1>/<hash>/ where <hash> is the 16 hex
// digit key hash, so every key maps to a single small directory that can be
// scanned to find, validate, purge or reload it. A file is written through a
// Session into a temp file and renamed into place only after the final meta
// block has been written, so a reader never sees a half-written entry.
//
// Layout (all integers little-endian):
//
//	[meta][key][etag][last-modified][header blocks][payload bytes][trailer blocks]
//
// Header and trailer blocks carry their 4-byte descriptor, payload bytes are
// stored raw.
package disk
