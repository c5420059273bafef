// Package exdf reads and writes the self-describing binary container that
// run directories are made of.
//
// Each file carries a fixed header, a sorted train-ID index, a dataset table
// describing every (source, key) dataset it holds (element type, per-entry
// shape, per-train entry counts, payload location, compression), and the
// payload region. All sections are CRC32C-checksummed; little-endian
// throughout.
//
// [ReadIndex] extracts a [FileIndex] — the structural metadata the run index
// is built from — without touching payload bytes. [Reader] resolves
// per-train payload reads against an already-built index. The writer exists
// for test fixtures and for exporting virtual composites.
package exdf
