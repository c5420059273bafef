// Package model defines core types shared across traindex.
//
// # Identity Types
//
//   - TrainID: One acquisition cycle; the primary ordering axis of a run
//   - SourceKey: (Source, Key) pair naming one dataset
//
// # Data Types
//
//   - DType, Shape: element type and per-entry shape of a dataset
//   - Locator: byte-range address of stored entries within one file
//   - ChunkDescriptor: fetchable unit of the logical array, handed to an
//     external execution layer
package model
