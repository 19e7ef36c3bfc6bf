package protocol

import "bytes"

// Reassembler accumulates link fragments into one packet. The expected
// length is read from the header in the first fragment.
//
// A Reassembler holds one message at a time and is not safe for concurrent use.
type Reassembler struct {
	scheme   Scheme
	buf      bytes.Buffer
	expected int
}

// NewReassembler returns a Reassembler for the given scheme.
func NewReassembler(scheme Scheme) *Reassembler {
	return &Reassembler{scheme: scheme}
}

// Feed appends a fragment and returns the assembled packet once the expected
// length has been reached. first starts a new message and discards any
// partial one.
//
// If the first fragment does not yield an expected length the fragment is
// returned as complete; waiting would never end.
func (r *Reassembler) Feed(fragment []byte, first bool) ([]byte, bool) {
	if first {
		r.Reset()
	}
	r.buf.Write(fragment)

	if first {
		n, err := ExpectedLength(r.scheme, r.buf.Bytes())
		if err != nil {
			return r.take(), true
		}
		r.expected = n
	}

	if r.buf.Len() >= r.expected {
		return r.take(), true
	}
	return nil, false
}

// Write feeds a fragment, treating it as first when nothing is buffered.
func (r *Reassembler) Write(fragment []byte) ([]byte, bool) {
	return r.Feed(fragment, r.buf.Len() == 0)
}

// Pending returns the number of buffered bytes and the expected total.
func (r *Reassembler) Pending() (got, expected int) {
	return r.buf.Len(), r.expected
}

// Reset drops any partial message.
func (r *Reassembler) Reset() {
	r.buf.Reset()
	r.expected = 0
}

func (r *Reassembler) take() []byte {
	out := make([]byte, r.buf.Len())
	copy(out, r.buf.Bytes())
	r.Reset()
	return out
}
