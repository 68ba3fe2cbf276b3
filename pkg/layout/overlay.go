package layout

import (
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"
	"math"
	"reflect"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	boxStroke    = 2
	labelPadding = 2
	// 坐标限制在该范围内再转换为 int，避免超大数值溢出
	coordLimit = 1 << 24
)

// 按类别名哈希选色，保证同一类别在不同图片中颜色一致
var palette = []color.RGBA{
	{R: 230, G: 25, B: 75, A: 255},
	{R: 60, G: 150, B: 75, A: 255},
	{R: 0, G: 110, B: 200, A: 255},
	{R: 225, G: 110, B: 30, A: 255},
	{R: 145, G: 30, B: 180, A: 255},
	{R: 0, G: 140, B: 140, A: 255},
	{R: 200, G: 40, B: 190, A: 255},
	{R: 110, G: 110, B: 0, A: 255},
}

// RenderOverlay 在输入图像的副本上绘制每个区域的边界框和类别标签
// 不会修改 src；完全位于图像之外的区域被静默跳过
func RenderOverlay(src image.Image, items []Item) (*image.RGBA, error) {
	if isNilImage(src) {
		return nil, &RenderError{Op: "overlay", Err: errors.New("图像为空")}
	}
	bounds := src.Bounds()
	if bounds.Empty() {
		return nil, &RenderError{Op: "overlay", Err: fmt.Errorf("图像尺寸无效: %v", bounds)}
	}

	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	face := basicfont.Face7x13
	for _, item := range items {
		r, ok := itemRect(bounds, item)
		if !ok {
			continue
		}
		c := categoryColor(item.Category)
		strokeRect(dst, r, c)
		if item.Category != "" {
			drawLabel(dst, face, r, item.Category, c)
		}
	}

	return dst, nil
}

// isNilImage 同时识别 nil 接口和带类型的 nil 指针，例如 (*image.RGBA)(nil)
func isNilImage(src image.Image) bool {
	if src == nil {
		return true
	}
	v := reflect.ValueOf(src)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func:
		return v.IsNil()
	}
	return false
}

// Visible 判断区域是否会被绘制到给定尺寸的图像上
func Visible(bounds image.Rectangle, item Item) bool {
	_, ok := itemRect(bounds, item)
	return ok
}

// itemRect 将 bbox 转换为图像坐标系中的矩形，并裁剪到图像范围内
func itemRect(bounds image.Rectangle, item Item) (image.Rectangle, bool) {
	if !item.BBox.Valid() {
		return image.Rectangle{}, false
	}
	r := image.Rect(
		clampCoord(math.Floor(item.BBox[0]))+bounds.Min.X,
		clampCoord(math.Floor(item.BBox[1]))+bounds.Min.Y,
		clampCoord(math.Ceil(item.BBox[2]))+bounds.Min.X,
		clampCoord(math.Ceil(item.BBox[3]))+bounds.Min.Y,
	)
	r = r.Intersect(bounds)
	if r.Empty() {
		return image.Rectangle{}, false
	}
	return r, true
}

func clampCoord(v float64) int {
	if v > coordLimit {
		return coordLimit
	}
	if v < -coordLimit {
		return -coordLimit
	}
	return int(v)
}

func categoryColor(category string) color.RGBA {
	h := fnv.New32a()
	h.Write([]byte(category))
	return palette[h.Sum32()%uint32(len(palette))]
}

// strokeRect 沿矩形内侧绘制边框
func strokeRect(dst draw.Image, r image.Rectangle, c color.Color) {
	src := image.NewUniform(c)
	t := boxStroke
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, min(r.Min.Y+t, r.Max.Y)),
		image.Rect(r.Min.X, max(r.Max.Y-t, r.Min.Y), r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, min(r.Min.X+t, r.Max.X), r.Max.Y),
		image.Rect(max(r.Max.X-t, r.Min.X), r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e, src, image.Point{}, draw.Src)
	}
}

// drawLabel 在矩形左上角绘制类别标签，上方空间不足时放到框内
func drawLabel(dst *image.RGBA, face font.Face, r image.Rectangle, label string, bg color.Color) {
	metrics := face.Metrics()
	h := metrics.Height.Ceil() + labelPadding
	w := font.MeasureString(face, label).Ceil() + 2*labelPadding

	top := r.Min.Y - h
	if top < dst.Bounds().Min.Y {
		top = r.Min.Y
	}
	strip := image.Rect(r.Min.X, top, r.Min.X+w, top+h)
	draw.Draw(dst, strip, image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(strip.Min.X+labelPadding, strip.Min.Y+metrics.Ascent.Ceil()+labelPadding/2),
	}
	d.DrawString(label)
}
