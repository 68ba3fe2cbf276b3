package layout

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCanvas(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 250, G: 250, B: 250, A: 255}), image.Point{}, draw.Src)
	return img
}

func TestRenderOverlay_DoesNotMutateSource(t *testing.T) {
	src := newCanvas(200, 100)
	before := append([]uint8(nil), src.Pix...)

	out, err := RenderOverlay(src, []Item{{Category: "Title", BBox: BBox{10, 20, 120, 60}, Text: "x"}})
	require.NoError(t, err)

	assert.Equal(t, before, src.Pix)
	assert.NotEqual(t, src.Pix, out.Pix)
	assert.Equal(t, src.Bounds(), out.Bounds())
}

func TestRenderOverlay_DrawsBoxEdges(t *testing.T) {
	src := newCanvas(200, 100)
	item := Item{Category: "Text", BBox: BBox{50, 40, 150, 90}}
	out, err := RenderOverlay(src, []Item{item})
	require.NoError(t, err)

	want := categoryColor("Text")
	// 左边框和右下角在框线上
	assert.Equal(t, want, out.RGBAAt(50, 70))
	assert.Equal(t, want, out.RGBAAt(149, 89))
	// 框内部保持原样
	assert.Equal(t, src.RGBAAt(100, 70), out.RGBAAt(100, 70))
}

func TestRenderOverlay_EmptyItemsReturnsCopy(t *testing.T) {
	src := newCanvas(32, 16)
	out, err := RenderOverlay(src, nil)
	require.NoError(t, err)
	assert.Equal(t, src.Pix, out.Pix)
	assert.NotSame(t, src, out)
}

func TestRenderOverlay_SkipsOutOfBounds(t *testing.T) {
	src := newCanvas(100, 100)
	items := []Item{
		{Category: "Text", BBox: BBox{200, 200, 300, 300}},
		{Category: "Text", BBox: BBox{-50, -50, -10, -10}},
		{Category: "Text", BBox: BBox{100, 0, 120, 10}},
	}
	out, err := RenderOverlay(src, items)
	require.NoError(t, err)
	assert.Equal(t, src.Pix, out.Pix)

	for _, item := range items {
		assert.False(t, Visible(src.Bounds(), item))
	}
}

func TestRenderOverlay_ClipsPartiallyVisible(t *testing.T) {
	src := newCanvas(100, 100)
	item := Item{Category: "Picture", BBox: BBox{80, 80, 400, 400}}
	require.True(t, Visible(src.Bounds(), item))

	out, err := RenderOverlay(src, []Item{item})
	require.NoError(t, err)
	assert.Equal(t, categoryColor("Picture"), out.RGBAAt(99, 90))
}

func TestRenderOverlay_NonZeroOrigin(t *testing.T) {
	src := image.NewRGBA(image.Rect(10, 10, 60, 60))
	out, err := RenderOverlay(src, []Item{{Category: "Text", BBox: BBox{0, 0, 20, 20}}})
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), out.Bounds())
	assert.Equal(t, categoryColor("Text"), out.RGBAAt(10, 25))
}

func TestRenderOverlay_InvalidImage(t *testing.T) {
	_, err := RenderOverlay(nil, []Item{{Category: "Text", BBox: BBox{0, 0, 1, 1}}})
	require.Error(t, err)
	assert.True(t, IsRender(err))

	_, err = RenderOverlay(image.NewRGBA(image.Rectangle{}), nil)
	assert.True(t, IsRender(err))

	var typedNil *image.RGBA
	assert.NotPanics(t, func() {
		_, err = RenderOverlay(typedNil, []Item{{Category: "Text", BBox: BBox{0, 0, 1, 1}}})
	})
	assert.True(t, IsRender(err))
}

func TestCategoryColor_Deterministic(t *testing.T) {
	assert.Equal(t, categoryColor("Table"), categoryColor("Table"))
}
