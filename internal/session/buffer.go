package session

import "time"

// Chunk is one audio fragment as received from the client.
type Chunk struct {
	Seq        uint64
	Data       []byte
	ReceivedAt time.Time
}

// Buffer is an ordered queue of chunks awaiting transcription. It is owned by
// a single Session and guarded by that session's lock.
type Buffer struct {
	chunks []Chunk
	next   uint64
	bytes  int
}

// Append enqueues data in arrival order and returns the stored chunk.
func (b *Buffer) Append(data []byte, at time.Time) Chunk {
	c := Chunk{Seq: b.next, Data: data, ReceivedAt: at}
	b.next++
	b.chunks = append(b.chunks, c)
	b.bytes += len(data)
	return c
}

// Len returns the number of buffered chunks.
func (b *Buffer) Len() int {
	return len(b.chunks)
}

// Size returns the number of buffered bytes.
func (b *Buffer) Size() int {
	return b.bytes
}

// Drain removes and returns every buffered chunk in FIFO order.
// Returns nil if the buffer is empty.
func (b *Buffer) Drain() []Chunk {
	if len(b.chunks) == 0 {
		return nil
	}
	out := b.chunks
	b.chunks = nil
	b.bytes = 0
	return out
}

// Concat joins chunk payloads in order into one contiguous slice.
func Concat(chunks []Chunk) []byte {
	size := 0
	for _, c := range chunks {
		size += len(c.Data)
	}
	out := make([]byte, 0, size)
	for _, c := range chunks {
		out = append(out, c.Data...)
	}
	return out
}

// FlushPolicy decides whether the buffered audio should be transcribed now.
type FlushPolicy interface {
	ShouldFlush(chunks int, bytes int) bool
}

// DefaultBatchChunks is the chunk count that triggers a flush.
const DefaultBatchChunks = 5

// CountPolicy flushes once the buffer holds Threshold chunks.
type CountPolicy struct {
	Threshold int
}

func (p CountPolicy) ShouldFlush(chunks int, _ int) bool {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultBatchChunks
	}
	return chunks >= threshold
}
