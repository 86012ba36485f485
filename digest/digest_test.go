package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestXXHash_Record(t *testing.T) {
	fn := XXHash{}

	t.Run("deterministic", func(t *testing.T) {
		a := fn.Record("badge-1", "did:civic:alice", "bafy123", "proof")
		b := fn.Record("badge-1", "did:civic:alice", "bafy123", "proof")
		assert.Equal(t, a, b)
		assert.Len(t, a, 16)
	})

	t.Run("field boundaries matter", func(t *testing.T) {
		tests := []struct {
			name  string
			left  []string
			right []string
		}{
			{name: "split point", left: []string{"ab", "c"}, right: []string{"a", "bc"}},
			{name: "separator inside field", left: []string{"badge|did:alice", "bafy", "c", "p"}, right: []string{"badge", "did:alice|bafy", "c", "p"}},
			{name: "length marker inside field", left: []string{"1:a", "b"}, right: []string{"1", "a1:b"}},
			{name: "empty field", left: []string{"", "ab"}, right: []string{"ab", ""}},
			{name: "extra empty field", left: []string{"ab"}, right: []string{"ab", ""}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.NotEqual(t, fn.Record(tt.left...), fn.Record(tt.right...))
			})
		}
	})

	t.Run("any field change alters digest", func(t *testing.T) {
		base := fn.Record("s", "o", "c", "p")
		assert.NotEqual(t, base, fn.Record("s", "o", "c", "q"))
		assert.NotEqual(t, base, fn.Record("x", "o", "c", "p"))
	})
}

func TestXXHash_Aggregate(t *testing.T) {
	fn := XXHash{}
	r1 := fn.Record("one")
	r2 := fn.Record("two")

	tests := []struct {
		name  string
		left  []string
		right []string
		equal bool
	}{
		{name: "same sequence", left: []string{r1, r2}, right: []string{r1, r2}, equal: true},
		{name: "reordered sequence", left: []string{r1, r2}, right: []string{r2, r1}, equal: false},
		{name: "prefix differs from full", left: []string{r1}, right: []string{r1, r2}, equal: false},
		{name: "empty is stable", left: nil, right: []string{}, equal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fn.Aggregate(tt.left) == fn.Aggregate(tt.right)
			assert.Equal(t, tt.equal, got)
		})
	}
}

func TestFormatPadsToSixteen(t *testing.T) {
	assert.Equal(t, "0000000000000001", format(1))
	assert.Equal(t, "ffffffffffffffff", format(^uint64(0)))
}
