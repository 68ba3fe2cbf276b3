package layout

import (
	"math"
	"strconv"
	"strings"
)

// BBox 表示检测区域的边界框 [x0, y0, x1, y1]，像素坐标，y 轴向下
type BBox [4]float64

// Valid 检查边界框是否合法：四个值均为有限数，且下界小于上界
func (b BBox) Valid() bool {
	for _, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b[0] < b[2] && b[1] < b[3]
}

// String 以 [10, 10, 100, 30] 的形式输出坐标
func (b BBox) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	sb.WriteByte(']')
	return sb.String()
}

// Item 表示版面检测结果中的单个区域
type Item struct {
	Category string `json:"category"`
	BBox     BBox   `json:"bbox"`
	Text     string `json:"text"`
}

// Result 表示一次推理返回的结果，创建后不可修改
type Result struct {
	rawText    string
	structured bool
	items      []Item
}

// NewResult 对模型原始输出进行分类并构建结果
// 解析或结构校验失败时降级为纯文本结果，不返回错误
func NewResult(raw string) Result {
	items, err := Extract(raw)
	if err != nil {
		return Result{rawText: raw}
	}
	return Result{rawText: raw, structured: true, items: items}
}

// RawText 返回模型原始输出
func (r Result) RawText() string { return r.rawText }

// Structured 表示结果是否为结构化的版面检测 JSON
func (r Result) Structured() bool { return r.structured }

// Len 返回区域数量
func (r Result) Len() int { return len(r.items) }

// Items 返回区域列表的副本
func (r Result) Items() []Item {
	if len(r.items) == 0 {
		return nil
	}
	out := make([]Item, len(r.items))
	copy(out, r.items)
	return out
}
