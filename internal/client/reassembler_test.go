package client

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func seqp(n int) *int { return &n }

func TestReassembler_OutOfOrderDeltas(t *testing.T) {
	r := NewReassembler()
	r.Add(seqp(0), "A")
	r.Add(seqp(2), "C")
	r.Add(seqp(1), "B")
	require.Equal(t, "ABC", r.Flush())
}

func TestReassembler_UnknownSeqSortsLastAndStable(t *testing.T) {
	r := NewReassembler()
	r.Add(nil, "x")
	r.Add(seqp(1), "b")
	r.Add(nil, "y")
	r.Add(seqp(0), "a")
	require.Equal(t, "abxy", r.Flush())
}

func TestReassembler_AcrossFlushesAndDuplicates(t *testing.T) {
	r := NewReassembler()
	r.Add(seqp(1), "lo")
	require.Equal(t, "lo", r.Flush())
	r.Add(seqp(0), "hel")
	r.Add(seqp(1), "lo")
	require.Equal(t, "hello", r.Flush())
	require.False(t, r.HasPending())

	r.Reset()
	require.Equal(t, "", r.Text())
	r.Add(seqp(0), "new")
	require.Equal(t, "new", r.Flush())
}

func TestReassembler_AnyArrivalOrderRebuildsText(t *testing.T) {
	words := []string{"The ", "quick ", "brown ", "fox ", "jumps ", "over ", "the ", "lazy ", "dog."}
	want := ""
	for _, w := range words {
		want += w
	}
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		r := NewReassembler()
		for _, i := range rng.Perm(len(words)) {
			r.Add(seqp(i), words[i])
			if rng.Intn(3) == 0 {
				r.Flush()
			}
		}
		require.Equal(t, want, r.Flush())
	}
}
