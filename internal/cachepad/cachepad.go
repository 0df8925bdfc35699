// Package cachepad holds the cache-line constants shared by hot atomic
// fields in the executor's state machine and the reactor. 128 bytes covers the
// largest common alignment requirement (ARM64/Apple Silicon use 128-byte
// lines; x86-64 uses 64), so false-sharing padding is sized against it.
package cachepad

// Line is the padding unit used to separate independently-written atomic
// fields onto their own cache lines.
const Line = 128

// Pad128 is embedded after an 8-byte atomic field to round it out to a full
// cache line.
type Pad128 = [Line - 8]byte

// Pad64 rounds out a 16-byte pair of fields to a full cache line.
type Pad64 = [Line - 16]byte
