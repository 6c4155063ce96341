package block

import "math/bits"

const bitsPerWord = 64

// bitset is a counting bitmap over a fixed number of bits with range
// operations and a restartable iterator. Callers hold the owning bitmap's
// lock; bitset itself is not synchronized.
type bitset struct {
	words []uint64
	size  int64
	count int64 // set bits, maintained incrementally
}

func newBitset(size int64) *bitset {
	return &bitset{
		words: make([]uint64, (size+bitsPerWord-1)/bitsPerWord),
		size:  size,
	}
}

// resize grows or shrinks the bitmap, preserving existing bits.
func (b *bitset) resize(size int64) {
	nwords := (size + bitsPerWord - 1) / bitsPerWord
	if int64(len(b.words)) != nwords {
		words := make([]uint64, nwords)
		copy(words, b.words)
		b.words = words
	}
	if size < b.size {
		// Clear bits past the new end inside the boundary word.
		if rem := size % bitsPerWord; rem != 0 && nwords > 0 {
			b.words[nwords-1] &= (1 << uint(rem)) - 1
		}
		b.count = b.recount()
	}
	b.size = size
}

func (b *bitset) recount() int64 {
	var n int64
	for _, w := range b.words {
		n += int64(bits.OnesCount64(w))
	}
	return n
}

func (b *bitset) get(i int64) bool {
	return b.words[i/bitsPerWord]&(1<<uint(i%bitsPerWord)) != 0
}

// setRange marks bits [start, start+n).
func (b *bitset) setRange(start, n int64) {
	for i := start; i < start+n; {
		word := i / bitsPerWord
		bit := uint(i % bitsPerWord)
		span := int64(bitsPerWord) - int64(bit)
		if span > start+n-i {
			span = start + n - i
		}
		var mask uint64
		if span == bitsPerWord {
			mask = ^uint64(0)
		} else {
			mask = ((1 << uint(span)) - 1) << bit
		}
		added := mask &^ b.words[word]
		b.words[word] |= mask
		b.count += int64(bits.OnesCount64(added))
		i += span
	}
}

// resetRange clears bits [start, start+n).
func (b *bitset) resetRange(start, n int64) {
	for i := start; i < start+n; {
		word := i / bitsPerWord
		bit := uint(i % bitsPerWord)
		span := int64(bitsPerWord) - int64(bit)
		if span > start+n-i {
			span = start + n - i
		}
		var mask uint64
		if span == bitsPerWord {
			mask = ^uint64(0)
		} else {
			mask = ((1 << uint(span)) - 1) << bit
		}
		removed := mask & b.words[word]
		b.words[word] &^= mask
		b.count -= int64(bits.OnesCount64(removed))
		i += span
	}
}

// clear resets every bit.
func (b *bitset) clear() {
	for i := range b.words {
		b.words[i] = 0
	}
	b.count = 0
}

// merge ORs other into b. Both must be the same size.
func (b *bitset) merge(other *bitset) {
	for i := range b.words {
		if i < len(other.words) {
			b.words[i] |= other.words[i]
		}
	}
	b.count = b.recount()
}

// nextSet returns the first set bit at or after start, or -1.
func (b *bitset) nextSet(start int64) int64 {
	if start >= b.size {
		return -1
	}
	word := start / bitsPerWord
	w := b.words[word] >> uint(start%bitsPerWord)
	if w != 0 {
		i := start + int64(bits.TrailingZeros64(w))
		if i < b.size {
			return i
		}
		return -1
	}
	for word++; word < int64(len(b.words)); word++ {
		if b.words[word] != 0 {
			i := word*bitsPerWord + int64(bits.TrailingZeros64(b.words[word]))
			if i < b.size {
				return i
			}
			return -1
		}
	}
	return -1
}

// bitsetIter walks set bits in ascending order. The underlying bitmap may
// be mutated between Next calls; the iterator simply continues from its
// cursor, which is what incremental copy loops rely on.
type bitsetIter struct {
	b   *bitset
	pos int64
}

func (b *bitset) iter(start int64) *bitsetIter {
	return &bitsetIter{b: b, pos: start}
}

// Next returns the next set bit, or -1 when the end is reached.
func (it *bitsetIter) Next() int64 {
	i := it.b.nextSet(it.pos)
	if i < 0 {
		it.pos = it.b.size
		return -1
	}
	it.pos = i + 1
	return i
}
