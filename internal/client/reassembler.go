package client

import (
	"slices"
	"strings"
)

type fragment struct {
	seq     int
	known   bool
	arrival int
	text    string
}

// Reassembler orders delta fragments for one turn. Fragments are staged by
// Add and merged by Flush, which sorts by seq ascending with unknown seqs
// last and arrival order as the tie breaker. A repeated known seq is
// dropped.
type Reassembler struct {
	pending     []fragment
	accumulated []fragment
	seen        map[int]struct{}
	arrivals    int
	text        string
}

func NewReassembler() *Reassembler {
	return &Reassembler{seen: make(map[int]struct{})}
}

func (r *Reassembler) Add(seq *int, text string) {
	f := fragment{arrival: r.arrivals, text: text}
	r.arrivals++
	if seq != nil {
		f.seq, f.known = *seq, true
	}
	r.pending = append(r.pending, f)
}

func (r *Reassembler) HasPending() bool { return len(r.pending) > 0 }

// Flush merges pending fragments and returns the rebuilt text.
func (r *Reassembler) Flush() string {
	if len(r.pending) == 0 {
		return r.text
	}
	for _, f := range r.pending {
		if f.known {
			if _, dup := r.seen[f.seq]; dup {
				continue
			}
			r.seen[f.seq] = struct{}{}
		}
		r.accumulated = append(r.accumulated, f)
	}
	r.pending = r.pending[:0]

	slices.SortStableFunc(r.accumulated, compareFragments)
	var sb strings.Builder
	for _, f := range r.accumulated {
		sb.WriteString(f.text)
	}
	r.text = sb.String()
	return r.text
}

func (r *Reassembler) Text() string { return r.text }

func (r *Reassembler) Reset() {
	r.pending = r.pending[:0]
	r.accumulated = r.accumulated[:0]
	clear(r.seen)
	r.arrivals = 0
	r.text = ""
}

func compareFragments(a, b fragment) int {
	switch {
	case a.known && !b.known:
		return -1
	case !a.known && b.known:
		return 1
	case a.known && b.known && a.seq != b.seq:
		if a.seq < b.seq {
			return -1
		}
		return 1
	}
	return a.arrival - b.arrival
}
