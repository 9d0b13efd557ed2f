package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func done(index int, text string) TileResult {
	return TileResult{TileSpec: TileSpec{Index: index}, Status: StatusCompleted, Text: text}
}

func failed(index int) TileResult {
	return TileResult{TileSpec: TileSpec{Index: index}, Status: StatusError, Error: "boom"}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name    string
		results []TileResult
		want    string
	}{
		{
			name:    "seam duplicate removed",
			results: []TileResult{done(0, "Hello\nWorld\nFoo"), done(1, "Foo\nBar")},
			want:    "Hello\nWorld\nFoo\nBar",
		},
		{
			name:    "failed tile contributes nothing",
			results: []TileResult{done(0, "A"), failed(1), done(2, "C")},
			want:    "A\n\nC",
		},
		{
			name:    "tiles without seam duplicate are separated",
			results: []TileResult{done(0, "one"), done(1, "two")},
			want:    "one\n\ntwo",
		},
		{
			name:    "trailing whitespace trimmed before comparing",
			results: []TileResult{done(0, "alpha  \nbeta\t"), done(1, "beta\ngamma ")},
			want:    "alpha\nbeta\ngamma",
		},
		{
			name:    "consecutive blank lines collapse",
			results: []TileResult{done(0, "a\n\n\n\nb\n   \n\nc")},
			want:    "a\n\nb\n\nc",
		},
		{
			name:    "trailing blanks stripped",
			results: []TileResult{done(0, "a\n\n\n"), failed(1), done(2, "\n\n")},
			want:    "a",
		},
		{
			name:    "no leading blank lines",
			results: []TileResult{failed(0), done(1, "\n\nfirst")},
			want:    "first",
		},
		{
			name:    "all failed",
			results: []TileResult{failed(0), failed(1)},
			want:    "",
		},
		{
			name:    "empty input",
			results: nil,
			want:    "",
		},
		{
			name: "pending and processing treated as empty",
			results: []TileResult{
				done(0, "x"),
				{TileSpec: TileSpec{Index: 1}, Status: StatusPending, Text: "ignored"},
				{TileSpec: TileSpec{Index: 2}, Status: StatusProcessing, Text: "ignored"},
				done(3, "y"),
			},
			want: "x\n\ny",
		},
		{
			name:    "input order does not matter",
			results: []TileResult{done(2, "C"), done(0, "A\nB"), done(1, "B\nBB")},
			want:    "A\nB\nBB\n\nC",
		},
		{
			name:    "repeat at distance survives",
			results: []TileResult{done(0, "Total\nx"), done(1, "y"), done(2, "z"), done(3, "Total")},
			want:    "Total\nx\n\ny\n\nz\n\nTotal",
		},
		{
			name:    "adjacent repeat inside one tile collapses",
			results: []TileResult{done(0, "same\nsame\nother")},
			want:    "same\nother",
		},
		{
			name:    "seam duplicate after blank line keeps blank",
			results: []TileResult{done(0, "a\nb\n"), done(1, "\nb\nc")},
			want:    "a\nb\n\nc",
		},
		{
			name:    "crlf line endings",
			results: []TileResult{done(0, "a\r\nb\r\n"), done(1, "b\r\nc")},
			want:    "a\nb\nc",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Merge(tt.results))
		})
	}
}

func TestMerge_PureAndIdempotent(t *testing.T) {
	results := []TileResult{done(1, "Foo\nBar"), failed(2), done(0, "Hello\nFoo")}
	before := append([]TileResult(nil), results...)

	first := Merge(results)
	second := Merge(results)

	assert.Equal(t, first, second)
	assert.Equal(t, before, results, "input must not be reordered or modified")
	assert.Equal(t, "Hello\nFoo\nBar", first)
}
