package layout

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Classify 判断模型输出是否为版面检测 JSON
// 纯函数：不产生副作用，不会 panic，也不返回错误
func Classify(raw string) bool {
	_, err := Extract(raw)
	return err == nil
}

// Extract 在模型输出中定位版面检测 JSON 并解析出区域列表
//
// 边界检测规则：从左到右寻找第一个 '[' 或 '{'，按括号平衡扫描（跳过 JSON 字符串
// 及其转义）找到对应的闭合位置，对该片段做严格解码和结构校验。校验失败时从该片段
// 之后继续寻找下一个候选，不会进入片段内部。遇到未闭合的片段时，只从后面第一个
// 不处于 JSON 元素位置的开括号继续，因此正文中的 "[0, width)" 不会挡住后面的结果，
// 而被截断的输出仍然判定为纯文本。
// 代码块标记和前后的说明文字都位于片段之外，因此无需特殊处理。
func Extract(raw string) ([]Item, error) {
	var firstErr *ParseShapeError
	pos := 0
	for pos < len(raw) {
		idx := strings.IndexAny(raw[pos:], "[{")
		if idx < 0 {
			break
		}
		start := pos + idx

		end, matched := spanEnd(raw, start)
		if end < 0 {
			if firstErr == nil {
				firstErr = &ParseShapeError{Offset: start, Reason: "JSON 片段未闭合"}
			}
			// 只在不属于 JSON 元素位置的开括号处重新开始，截断输出内部的对象不会被接受
			next := nextLooseOpener(raw, start+1)
			if next < 0 {
				break
			}
			pos = next
			continue
		}
		if !matched {
			if firstErr == nil {
				firstErr = &ParseShapeError{Offset: start, Reason: fmt.Sprintf("括号在位置 %d 处不匹配", end)}
			}
			pos = end + 1
			continue
		}

		items, err := decodeSpan(raw[start : end+1])
		if err == nil {
			return items, nil
		}
		if firstErr == nil {
			err.Offset = start
			firstErr = err
		}
		pos = end + 1
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return nil, &ParseShapeError{Offset: -1, Reason: "未找到 JSON 数组或对象"}
}

// spanEnd 从 start 处的开括号开始做平衡扫描
// 返回闭合括号的位置；matched 为 false 时 end 指向类型不匹配的括号；end 为 -1 表示未闭合
func spanEnd(s string, start int) (end int, matched bool) {
	stack := make([]byte, 0, 8)
	inString, escaped := false, false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '[':
			stack = append(stack, ']')
		case '{':
			stack = append(stack, '}')
		case ']', '}':
			if stack[len(stack)-1] != c {
				return i, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, true
			}
		}
	}
	return -1, false
}

// nextLooseOpener 返回 from 之后第一个不处于 JSON 元素位置的开括号
// 元素位置指前一个非空白字符为 '[' 或 ','，或为紧跟在键名引号之后的 ':'
func nextLooseOpener(s string, from int) int {
	for from < len(s) {
		idx := strings.IndexAny(s[from:], "[{")
		if idx < 0 {
			return -1
		}
		i := from + idx
		if !atElementPosition(s, i) {
			return i
		}
		from = i + 1
	}
	return -1
}

func atElementPosition(s string, i int) bool {
	prev := lastNonSpace(s, i)
	if prev < 0 {
		return false
	}
	switch s[prev] {
	case '[', ',':
		return true
	case ':':
		key := lastNonSpace(s, prev)
		return key >= 0 && s[key] == '"'
	}
	return false
}

// lastNonSpace 返回 i 之前最后一个非空白字符的位置，没有则返回 -1
func lastNonSpace(s string, i int) int {
	for j := i - 1; j >= 0; j-- {
		switch s[j] {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return j
	}
	return -1
}

// decodeSpan 严格解码候选片段并校验结构
func decodeSpan(span string) ([]Item, *ParseShapeError) {
	var elems []json.RawMessage
	if span[0] == '{' {
		elems = []json.RawMessage{json.RawMessage(span)}
	} else {
		if err := json.Unmarshal([]byte(span), &elems); err != nil {
			return nil, &ParseShapeError{Reason: "JSON 数组解析失败", Err: err}
		}
		if len(elems) == 0 {
			return nil, &ParseShapeError{Reason: "JSON 数组为空"}
		}
	}

	items := make([]Item, 0, len(elems))
	for i, elem := range elems {
		item, err := decodeItem(elem)
		if err != nil {
			err.Reason = fmt.Sprintf("第 %d 个元素: %s", i, err.Reason)
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// decodeItem 校验单个区域：category 和 text 为字符串，bbox 为 4 个数字且下界小于上界
// 键名区分大小写，必须与 category、bbox、text 完全一致
func decodeItem(elem json.RawMessage) (Item, *ParseShapeError) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(elem, &fields); err != nil {
		return Item{}, &ParseShapeError{Reason: "不是合法的区域对象", Err: err}
	}
	if fields == nil {
		return Item{}, &ParseShapeError{Reason: "区域对象为 null"}
	}

	category, perr := stringField(fields, "category")
	if perr != nil {
		return Item{}, perr
	}
	text, perr := stringField(fields, "text")
	if perr != nil {
		return Item{}, perr
	}

	var coords []json.RawMessage
	if v, ok := fields["bbox"]; ok {
		if err := json.Unmarshal(v, &coords); err != nil {
			return Item{}, &ParseShapeError{Reason: "bbox 不是数组", Err: err}
		}
	}
	if len(coords) != 4 {
		return Item{}, &ParseShapeError{Reason: fmt.Sprintf("bbox 需要 4 个数值，实际为 %d 个", len(coords))}
	}

	var box BBox
	for i, v := range coords {
		f, err := parseNumber(v)
		if err != nil {
			return Item{}, &ParseShapeError{Reason: fmt.Sprintf("bbox[%d] 不是数值", i), Err: err}
		}
		box[i] = f
	}
	if !box.Valid() {
		return Item{}, &ParseShapeError{Reason: fmt.Sprintf("bbox %s 不满足 x0<x1 且 y0<y1", box)}
	}

	return Item{Category: category, BBox: box, Text: text}, nil
}

// stringField 读取必需的字符串字段，null 视为缺失
func stringField(fields map[string]json.RawMessage, key string) (string, *ParseShapeError) {
	v, ok := fields[key]
	if !ok {
		return "", &ParseShapeError{Reason: "缺少 " + key + " 字段"}
	}
	var s *string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", &ParseShapeError{Reason: key + " 不是字符串", Err: err}
	}
	if s == nil {
		return "", &ParseShapeError{Reason: "缺少 " + key + " 字段"}
	}
	return *s, nil
}

// parseNumber 只接受 JSON 数字字面量，拒绝字符串形式的数字
func parseNumber(v json.RawMessage) (float64, error) {
	s := strings.TrimSpace(string(v))
	if s == "" || (s[0] != '-' && (s[0] < '0' || s[0] > '9')) {
		return 0, fmt.Errorf("非数字字面量 %q", s)
	}
	return strconv.ParseFloat(s, 64)
}
