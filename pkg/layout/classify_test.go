package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Structured(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{
			name: "bare array",
			raw:  `[{"category":"Title","bbox":[10,10,100,30],"text":"Invoice"}]`,
			want: 1,
		},
		{
			name: "code fence",
			raw:  "```json\n[{\"category\":\"Text\",\"bbox\":[0,0,5,5],\"text\":\"a\"},{\"category\":\"Text\",\"bbox\":[0,6,5,9],\"text\":\"b\"}]\n```",
			want: 2,
		},
		{
			name: "prose around payload",
			raw:  "Here is the layout:\n[{\"category\":\"Text\",\"bbox\":[1.5,2,3,4.25],\"text\":\"x\"}]\nLet me know if you need more.",
			want: 1,
		},
		{
			name: "single object",
			raw:  `{"category":"Picture","bbox":[0,0,640,480],"text":""}`,
			want: 1,
		},
		{
			name: "brackets inside strings",
			raw:  `[{"category":"Formula","bbox":[1,1,2,2],"text":"f(x) = [a, b] } \" ]"}]`,
			want: 1,
		},
		{
			name: "rejected braces before payload",
			raw:  "Use {placeholder} syntax. [{\"category\":\"Text\",\"bbox\":[0,0,1,1],\"text\":\"ok\"}]",
			want: 1,
		},
		{
			name: "extra fields ignored",
			raw:  `[{"category":"Text","bbox":[0,0,1,1],"text":"t","score":0.9}]`,
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, Classify(tt.raw))
			items, err := Extract(tt.raw)
			require.NoError(t, err)
			assert.Len(t, items, tt.want)
		})
	}
}

func TestClassify_Unstructured(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"plain prose", "Hello, this is plain text."},
		{"empty", ""},
		{"markdown", "# Heading\n\n- item one\n- item two"},
		{"empty array", "[]"},
		{"missing text", `[{"category":"Text","bbox":[0,0,1,1]}]`},
		{"missing category", `[{"bbox":[0,0,1,1],"text":"t"}]`},
		{"bbox with three values", `[{"category":"Text","bbox":[0,0,1],"text":"t"}]`},
		{"bbox with string values", `[{"category":"Text","bbox":["0","0","1","1"],"text":"t"}]`},
		{"inverted bbox", `[{"category":"Text","bbox":[10,0,1,5],"text":"t"}]`},
		{"degenerate bbox", `[{"category":"Text","bbox":[0,0,0,5],"text":"t"}]`},
		{"category not string", `[{"category":3,"bbox":[0,0,1,1],"text":"t"}]`},
		{"array of numbers", "[1, 2, 3]"},
		{"truncated output", `[{"category":"Text","bbox":[0,0,1,1],"text":"a"},{"category":"Te`},
		{"trailing comma", `[{"category":"Text","bbox":[0,0,1,1],"text":"a"},]`},
		{"mismatched brackets", "see [note} for details"},
		{"truncated after unclosed prose bracket", "Range [0, width).\n[{\"category\":\"Text\",\"bbox\":[0,0,1,1],\"text\":\"a\"},{\"category\":\"Te"},
		{"upper-case keys", `[{"CATEGORY":"Text","BBOX":[0,0,1,1],"TEXT":"t"}]`},
		{"mixed-case key", `[{"Category":"Text","bbox":[0,0,1,1],"text":"t"}]`},
		{"null category", `[{"category":null,"bbox":[0,0,1,1],"text":"t"}]`},
		{"null element", `[null]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, Classify(tt.raw))
			items, err := Extract(tt.raw)
			assert.Nil(t, items)
			assert.True(t, IsParseShape(err), "expected ParseShapeError, got %v", err)
		})
	}
}

func TestExtract_UnclosedBracketBeforePayload(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "interval before fenced payload",
			raw:  "Coordinates are in the range [0, width).\n```json\n[{\"category\":\"Title\",\"bbox\":[10,10,100,30],\"text\":\"Invoice\"}]\n```",
		},
		{
			name: "colon in prose",
			raw:  "Range [0, width). Result: [{\"category\":\"Title\",\"bbox\":[10,10,100,30],\"text\":\"Invoice\"}]",
		},
		{
			name: "two unclosed brackets",
			raw:  "see [a and {b\n[{\"category\":\"Title\",\"bbox\":[10,10,100,30],\"text\":\"Invoice\"}]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := Extract(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, []Item{{Category: "Title", BBox: BBox{10, 10, 100, 30}, Text: "Invoice"}}, items)
		})
	}
}

func TestExtract_TruncatedOutputNotAcceptedFromInside(t *testing.T) {
	// 截断输出中的第一个对象本身合法，但它位于数组元素位置，不能作为新的候选
	raw := "```json\n[{\"category\":\"Title\",\"bbox\":[10,10,100,30],\"text\":\"Invoice\"},\n {\"category\":\"Text\",\"bbox\":[10,40"
	assert.False(t, Classify(raw))

	var pe *ParseShapeError
	_, err := Extract(raw)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 8, pe.Offset)
}

func TestExtract_DoesNotAcceptNestedFragment(t *testing.T) {
	// 外层数组中第二个元素缺少 text，内部的第一个对象本身合法，但不能被单独接受
	raw := `[{"category":"Text","bbox":[0,0,1,1],"text":"a"},{"category":"Text","bbox":[0,0,1,1]}]`
	assert.False(t, Classify(raw))
}

func TestExtract_PreservesOrderAndValues(t *testing.T) {
	raw := `[
		{"category":"Title","bbox":[10,10,100,30],"text":"Invoice"},
		{"category":"Text","bbox":[10,40,200,60],"text":"Line one"},
		{"category":"Table","bbox":[10,70,300,200],"text":"<table></table>"}
	]`
	items, err := Extract(raw)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, Item{Category: "Title", BBox: BBox{10, 10, 100, 30}, Text: "Invoice"}, items[0])
	assert.Equal(t, "Text", items[1].Category)
	assert.Equal(t, "Table", items[2].Category)
	assert.Equal(t, "<table></table>", items[2].Text)
}

func TestExtract_ErrorOffset(t *testing.T) {
	_, err := Extract(`prefix [{"category":"Text"}]`)
	require.Error(t, err)

	var pe *ParseShapeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 7, pe.Offset)

	_, err = Extract("no json here")
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, -1, pe.Offset)
}

func TestNewResult(t *testing.T) {
	r := NewResult(`[{"category":"Title","bbox":[10,10,100,30],"text":"Invoice"}]`)
	assert.True(t, r.Structured())
	assert.Equal(t, 1, r.Len())

	// Items 返回副本，修改不影响结果本身
	items := r.Items()
	items[0].Text = "changed"
	assert.Equal(t, "Invoice", r.Items()[0].Text)

	plain := NewResult("Hello, this is plain text.")
	assert.False(t, plain.Structured())
	assert.Zero(t, plain.Len())
	assert.Nil(t, plain.Items())
	assert.Equal(t, "Hello, this is plain text.", plain.RawText())
}

func TestBBox(t *testing.T) {
	assert.Equal(t, "[10, 10, 100, 30]", BBox{10, 10, 100, 30}.String())
	assert.Equal(t, "[1.5, 2, 3, 4.25]", BBox{1.5, 2, 3, 4.25}.String())
	assert.True(t, BBox{0, 0, 1, 1}.Valid())
	assert.False(t, BBox{1, 0, 1, 1}.Valid())
}
