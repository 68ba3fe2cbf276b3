package layout

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseTable(t *testing.T, s string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	require.NoError(t, err)
	return doc
}

func rowCells(sel *goquery.Selection) []string {
	var cells []string
	sel.Find("th, td").Each(func(_ int, c *goquery.Selection) {
		cells = append(cells, c.Text())
	})
	return cells
}

func TestRenderTable_Example(t *testing.T) {
	items, err := Extract(`[{"category":"Title","bbox":[10,10,100,30],"text":"Invoice"}]`)
	require.NoError(t, err)

	doc := parseTable(t, RenderTable(items))
	rows := doc.Find("table tr")
	require.Equal(t, 2, rows.Length())

	assert.Equal(t, []string{"#", "Category", "Coordinates", "Text"}, rowCells(rows.Eq(0)))
	assert.Equal(t, []string{"1", "Title", "[10, 10, 100, 30]", "Invoice"}, rowCells(rows.Eq(1)))
}

func TestRenderTable_RowCountAndOrder(t *testing.T) {
	for _, n := range []int{0, 1, 5, 40} {
		items := make([]Item, n)
		for i := range items {
			items[i] = Item{
				Category: "Text",
				BBox:     BBox{0, float64(i), 10, float64(i + 1)},
				Text:     "row-" + strings.Repeat("x", i),
			}
		}

		doc := parseTable(t, RenderTable(items))
		rows := doc.Find("table tr")
		require.Equal(t, n+1, rows.Length(), "items=%d", n)

		rows.Slice(1, goquery.ToEnd).Each(func(i int, row *goquery.Selection) {
			cells := rowCells(row)
			assert.Equal(t, items[i].Text, cells[3])
			assert.Equal(t, items[i].BBox.String(), cells[2])
		})
	}
}

func TestRenderTable_EmptyHasHeaderOnly(t *testing.T) {
	out := RenderTable(nil)
	doc := parseTable(t, out)
	assert.Equal(t, 1, doc.Find("table tr").Length())
	assert.Equal(t, 4, doc.Find("table th").Length())
	assert.Equal(t, 0, doc.Find("table td").Length())
}

func TestRenderTable_Idempotent(t *testing.T) {
	items := []Item{
		{Category: "Title", BBox: BBox{1, 2, 3, 4}, Text: "a & b"},
		{Category: "Text", BBox: BBox{1.25, 2, 3, 4}, Text: "line1\nline2"},
	}
	assert.Equal(t, RenderTable(items), RenderTable(items))
}

func TestRenderTable_EscapesMarkup(t *testing.T) {
	items := []Item{{
		Category: `<b onclick="x">Text</b>`,
		BBox:     BBox{0, 0, 1, 1},
		Text:     `<script>alert("x")</script> & more`,
	}}
	out := RenderTable(items)

	assert.NotContains(t, out, "<script>")
	assert.NotContains(t, out, "<b ")
	assert.Contains(t, out, "&lt;script&gt;")
	assert.Contains(t, out, "&amp; more")

	doc := parseTable(t, out)
	assert.Equal(t, 0, doc.Find("script").Length())
	cells := rowCells(doc.Find("table tr").Eq(1))
	assert.Equal(t, `<script>alert("x")</script> & more`, cells[3])
}

func TestRenderTable_Newlines(t *testing.T) {
	out := RenderTable([]Item{{Category: "Text", BBox: BBox{0, 0, 1, 1}, Text: "a\r\nb\nc"}})
	assert.Contains(t, out, "<td>a<br>b<br>c</td>")
}

func TestRenderHTML(t *testing.T) {
	structured := NewResult(`[{"category":"Title","bbox":[10,10,100,30],"text":"Invoice"}]`)
	assert.Equal(t, RenderTable(structured.Items()), RenderHTML(structured))

	plain := NewResult("Hello <world>")
	assert.Equal(t, "<pre>Hello &lt;world&gt;</pre>\n", RenderHTML(plain))
	assert.Equal(t, RenderHTML(plain), RenderHTML(plain))
}

func TestRenderMarkdown(t *testing.T) {
	items := []Item{
		{Category: "Title", Text: "Invoice  2024"},
		{Category: "Section-header", Text: "Billing"},
		{Category: "Text", Text: "Paragraph body."},
		{Category: "List-item", Text: "first"},
		{Category: "List-item", Text: "- second"},
		{Category: "Caption", Text: "Figure 1"},
		{Category: "Text", Text: "   "},
	}
	want := "# Invoice 2024\n\n## Billing\n\nParagraph body.\n\n- first\n\n- second\n\n*Figure 1*\n\n"
	assert.Equal(t, want, RenderMarkdown(items))
	assert.Empty(t, RenderMarkdown(nil))
}
