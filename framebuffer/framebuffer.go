// Package framebuffer holds the unit of data flowing through a chain: a
// reference-counted byte region plus the metadata describing it.
package framebuffer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrBytesUsedOverflow is returned when BytesUsed would exceed the storage length.
	ErrBytesUsedOverflow = errors.New("framebuffer: bytes used exceeds buffer length")
)

// ReleaseFunc returns borrowed storage to its owner (typically a capture
// driver queue). It runs exactly once, when the last reference is dropped.
type ReleaseFunc func(data []byte)

// FrameBuffer is one frame's bytes and metadata.
//
// Ownership:
//   - New allocates storage owned by the buffer.
//   - Wrap borrows storage; the ReleaseFunc hands it back.
//
// Reference counting:
//   - A fresh buffer holds one reference for its creator.
//   - Ref adds a holder, Release drops one. The release action runs once
//     at zero; dropping below zero is a programming error and panics.
//
// Thread-safety:
//   - Ref/Release are atomic and may be called from any goroutine.
//   - Metadata access is mutex-guarded.
//   - Pixel data is not synchronized; mutate only while Exclusive.
type FrameBuffer struct {
	// Data is the storage; len(Data) is the buffer length.
	Data []byte

	// BytesUsed is the number of valid bytes at the start of Data.
	BytesUsed int

	// Timestamp is the capture time.
	Timestamp time.Time

	refs    atomic.Int32
	owns    bool
	release ReleaseFunc

	mu       sync.Mutex
	metadata map[string][]byte
}

// New allocates an owned buffer of the given length.
func New(length int) *FrameBuffer {
	fb := &FrameBuffer{Data: make([]byte, length), owns: true}
	fb.refs.Store(1)
	return fb
}

// Wrap borrows data. release may be nil when the storage needs no return.
func Wrap(data []byte, release ReleaseFunc) *FrameBuffer {
	fb := &FrameBuffer{Data: data, BytesUsed: len(data), release: release}
	fb.refs.Store(1)
	return fb
}

// Len returns the storage length.
func (fb *FrameBuffer) Len() int { return len(fb.Data) }

// Owns reports whether the buffer allocated its own storage.
func (fb *FrameBuffer) Owns() bool { return fb.owns }

// Bytes returns the valid portion of Data.
func (fb *FrameBuffer) Bytes() []byte { return fb.Data[:fb.BytesUsed] }

// SetBytesUsed records how much of the storage holds valid data.
func (fb *FrameBuffer) SetBytesUsed(n int) error {
	if n < 0 || n > len(fb.Data) {
		return fmt.Errorf("%w: %d > %d", ErrBytesUsedOverflow, n, len(fb.Data))
	}
	fb.BytesUsed = n
	return nil
}

// Ref adds a holder and returns fb for chaining.
func (fb *FrameBuffer) Ref() *FrameBuffer {
	if fb.refs.Add(1) <= 1 {
		panic("framebuffer: Ref on released buffer")
	}
	return fb
}

// Release drops one reference.
func (fb *FrameBuffer) Release() {
	n := fb.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic("framebuffer: released more times than referenced")
	}

	if fb.release != nil {
		fb.release(fb.Data)
		fb.release = nil
	}
	fb.Data = nil
	fb.BytesUsed = 0
}

// RefCount returns the current number of holders.
func (fb *FrameBuffer) RefCount() int { return int(fb.refs.Load()) }

// Exclusive reports whether the caller holds the only reference.
func (fb *FrameBuffer) Exclusive() bool { return fb.refs.Load() == 1 }

// SetMetadata stores a copy of value under key, replacing any previous value.
func (fb *FrameBuffer) SetMetadata(key string, value []byte) {
	v := append([]byte(nil), value...)
	fb.mu.Lock()
	if fb.metadata == nil {
		fb.metadata = make(map[string][]byte)
	}
	fb.metadata[key] = v
	fb.mu.Unlock()
}

// Metadata returns a copy of the value under key.
func (fb *FrameBuffer) Metadata(key string) ([]byte, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	v, ok := fb.metadata[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// MetadataKeys returns the metadata keys in lexical order.
func (fb *FrameBuffer) MetadataKeys() []string {
	fb.mu.Lock()
	keys := make([]string, 0, len(fb.metadata))
	for k := range fb.metadata {
		keys = append(keys, k)
	}
	fb.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// DeleteMetadata removes key. Missing keys are ignored.
func (fb *FrameBuffer) DeleteMetadata(key string) {
	fb.mu.Lock()
	delete(fb.metadata, key)
	fb.mu.Unlock()
}

// CopyMetadata copies timestamp, bytes used and every metadata entry from
// src. Values are duplicated so the two buffers never alias. BytesUsed is
// clamped to the destination length.
func (fb *FrameBuffer) CopyMetadata(src *FrameBuffer) {
	if src == fb {
		return
	}
	fb.Timestamp = src.Timestamp
	fb.BytesUsed = min(src.BytesUsed, len(fb.Data))

	src.mu.Lock()
	entries := make(map[string][]byte, len(src.metadata))
	for k, v := range src.metadata {
		entries[k] = append([]byte(nil), v...)
	}
	src.mu.Unlock()

	fb.mu.Lock()
	if fb.metadata == nil {
		fb.metadata = make(map[string][]byte, len(entries))
	}
	for k, v := range entries {
		fb.metadata[k] = v
	}
	fb.mu.Unlock()
}

// Clone returns an owned deep copy with its own storage.
func (fb *FrameBuffer) Clone() *FrameBuffer {
	c := New(len(fb.Data))
	copy(c.Data, fb.Data)
	c.CopyMetadata(fb)
	return c
}

// Writable returns a buffer the caller may mutate in place. If the caller
// holds the only reference to owned storage fb itself is returned;
// otherwise the caller's reference is exchanged for a private clone.
// Borrowed storage (Wrap) is never written: it may be read-only driver
// memory.
func (fb *FrameBuffer) Writable() *FrameBuffer {
	if fb.Exclusive() && fb.owns {
		return fb
	}
	c := fb.Clone()
	fb.Release()
	return c
}
