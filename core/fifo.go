package core

import "sync/atomic"

// TokenFIFOSize is the word capacity of a machine FIFO. Matches the
// joined TX+RX depth of the hardware state machine FIFOs.
const TokenFIFOSize = 8

// TokenFIFO is a single-producer single-consumer queue of 32-bit
// words. One side of every machine FIFO is a hardware state machine
// (or its simulated goroutine), the other side is the facade; neither
// side locks.
type TokenFIFO struct {
	buf  [TokenFIFOSize + 1]uint32
	head uint32 // atomic, next read position
	tail uint32 // atomic, next write position
}

// Push appends a word. Returns false when the FIFO is full.
func (f *TokenFIFO) Push(word uint32) bool {
	tail := atomic.LoadUint32(&f.tail)
	next := (tail + 1) % uint32(len(f.buf))
	if next == atomic.LoadUint32(&f.head) {
		return false
	}
	f.buf[tail] = word
	atomic.StoreUint32(&f.tail, next)
	return true
}

// Pop removes the oldest word. Returns false when the FIFO is empty.
func (f *TokenFIFO) Pop() (uint32, bool) {
	head := atomic.LoadUint32(&f.head)
	if head == atomic.LoadUint32(&f.tail) {
		return 0, false
	}
	word := f.buf[head]
	atomic.StoreUint32(&f.head, (head+1)%uint32(len(f.buf)))
	return word, true
}

// Len returns the number of buffered words.
func (f *TokenFIFO) Len() int {
	head := atomic.LoadUint32(&f.head)
	tail := atomic.LoadUint32(&f.tail)
	if tail >= head {
		return int(tail - head)
	}
	return len(f.buf) - int(head-tail)
}

// Drain discards all buffered words. Called by the consumer side only,
// before re-arming, so stale payloads from an aborted run cannot leak
// into the next one.
func (f *TokenFIFO) Drain() {
	atomic.StoreUint32(&f.head, atomic.LoadUint32(&f.tail))
}

// Flag is a level-triggered one-bit signal shared by exactly two
// machines. Raise sets it, Take clears it; the setter stalls until the
// consumer has taken the flag, which is the hardware blocking-IRQ
// handshake the machines synchronize on.
type Flag struct {
	state uint32
}

// Set raises the flag without waiting for a consumer.
func (fl *Flag) Set() {
	atomic.StoreUint32(&fl.state, 1)
}

// Clear lowers the flag.
func (fl *Flag) Clear() {
	atomic.StoreUint32(&fl.state, 0)
}

// IsSet reports the current level.
func (fl *Flag) IsSet() bool {
	return atomic.LoadUint32(&fl.state) != 0
}

// TryTake clears the flag if it is set and reports whether it was.
func (fl *Flag) TryTake() bool {
	return atomic.CompareAndSwapUint32(&fl.state, 1, 0)
}
