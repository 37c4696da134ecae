// Package reassembly turns out-of-order (offset, bytes) chunks — as carried
// by StreamData frames, whose delivery order the underlying ILP plugin does
// not guarantee — back into an ordered byte stream (§4.D).
package reassembly

import (
	"bytes"
	"container/list"
	"errors"
	"sync"
)

// ErrProtocolViolation is returned by Push when two chunks overlap but
// disagree on the bytes in their overlapping region (§4.D).
var ErrProtocolViolation = errors.New("reassembly: overlapping chunks disagree")

type run struct {
	offset uint64
	data   []byte
}

func (r *run) end() uint64 { return r.offset + uint64(len(r.data)) }

// Reassembler holds chunks sorted by offset and exposes the contiguous
// prefix starting at readOffset. Adjacent/overlapping runs are merged
// eagerly on Push so Read only ever has to look at the list head.
type Reassembler struct {
	mu         sync.Mutex
	runs       *list.List // of *run, sorted, non-overlapping, non-adjacent
	readOffset uint64
	endOffset  int64 // -1 until known, set by SetEndOffset
}

// New returns an empty Reassembler.
func New() *Reassembler {
	return &Reassembler{
		runs:      list.New(),
		endOffset: -1,
	}
}

// Push inserts data at offset, merging it with any overlapping or adjacent
// runs already stored. Duplicate pushes (same offset and bytes) are
// idempotent. Overlapping chunks that disagree byte-for-byte on their
// shared region return ErrProtocolViolation — bytes already consumed by
// Read are not retained, so overlaps entirely behind readOffset are trusted
// rather than re-verified.
func (r *Reassembler) Push(data []byte, offset uint64) error {
	if len(data) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	end := offset + uint64(len(data))
	if end <= r.readOffset {
		// Entirely behind the read cursor: already delivered, nothing to do.
		return nil
	}
	if offset < r.readOffset {
		data = data[r.readOffset-offset:]
		offset = r.readOffset
	}

	newRun := &run{offset: offset, data: data}

	// Find the first run that could overlap or touch newRun, merging as we
	// go until no further merges are possible.
	e := r.runs.Front()
	for e != nil {
		existing := e.Value.(*run)
		next := e.Next()

		if existing.end() < newRun.offset {
			// existing entirely before newRun, no overlap/adjacency yet
			e = next
			continue
		}
		if newRun.end() < existing.offset {
			// existing entirely after newRun; insert before it and stop
			r.runs.InsertBefore(newRun, e)
			return nil
		}

		// existing and newRun overlap or are adjacent: merge.
		merged, err := mergeRuns(existing, newRun)
		if err != nil {
			return err
		}
		newRun = merged
		toRemove := e
		e = next
		r.runs.Remove(toRemove)
	}
	r.runs.PushBack(newRun)
	return nil
}

// mergeRuns combines two overlapping or adjacent runs into one, verifying
// byte-for-byte agreement on any overlapping region.
func mergeRuns(a, b *run) (*run, error) {
	if a.offset > b.offset {
		a, b = b, a
	}
	// a.offset <= b.offset, and a.end() >= b.offset (overlap/adjacency checked by caller)
	overlapLen := int64(a.end()) - int64(b.offset)
	if overlapLen > 0 {
		n := overlapLen
		if int64(len(b.data)) < n {
			n = int64(len(b.data))
		}
		aOverlap := a.data[len(a.data)-int(overlapLen) : len(a.data)-int(overlapLen)+int(n)]
		bOverlap := b.data[:n]
		if !bytes.Equal(aOverlap, bOverlap) {
			return nil, ErrProtocolViolation
		}
	}
	if b.end() <= a.end() {
		return a, nil
	}
	merged := make([]byte, 0, b.end()-a.offset)
	merged = append(merged, a.data...)
	merged = append(merged, b.data[a.end()-b.offset:]...)
	return &run{offset: a.offset, data: merged}, nil
}

// Read returns the next contiguous chunk of bytes starting exactly at the
// current read offset, advancing it by the returned length. It returns
// ok=false if no run currently starts at readOffset.
func (r *Reassembler) Read() (data []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	front := r.runs.Front()
	if front == nil {
		return nil, false
	}
	head := front.Value.(*run)
	if head.offset != r.readOffset {
		return nil, false
	}
	r.runs.Remove(front)
	r.readOffset = head.end()
	return head.data, true
}

// ReadOffset returns the next byte offset Read expects.
func (r *Reassembler) ReadOffset() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readOffset
}

// ByteLength returns the total number of bytes currently queued, whether or
// not they are contiguous with the read cursor.
func (r *Reassembler) ByteLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for e := r.runs.Front(); e != nil; e = e.Next() {
		total += len(e.Value.(*run).data)
	}
	return total
}

// SetEndOffset records the final byte offset of the stream, once known
// (learned via a stream close carrying the last offset).
func (r *Reassembler) SetEndOffset(offset uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endOffset = int64(offset)
}

// EndOffset returns the final offset, or -1 if not yet known.
func (r *Reassembler) EndOffset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endOffset
}

// Done reports whether every byte up to the known end offset has been
// delivered via Read.
func (r *Reassembler) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endOffset >= 0 && r.readOffset >= uint64(r.endOffset)
}
