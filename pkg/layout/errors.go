package layout

import (
	"errors"
	"fmt"
)

// ParseShapeError 表示模型输出不是合法的版面检测 JSON
// 该错误只在包内使用，分类器总是将其降级为纯文本结果
type ParseShapeError struct {
	Offset int // 被拒绝的候选 JSON 片段在原文中的起始位置，-1 表示未找到
	Reason string
	Err    error
}

func (e *ParseShapeError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("layout: %s", e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("layout: offset %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("layout: offset %d: %s", e.Offset, e.Reason)
}

func (e *ParseShapeError) Unwrap() error {
	return e.Err
}

// RenderError 表示渲染失败，调用方应跳过该渲染并继续展示原始文本
type RenderError struct {
	Op  string
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("layout: render %s: %v", e.Op, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// IsParseShape 判断错误是否为 ParseShapeError
func IsParseShape(err error) bool {
	var pe *ParseShapeError
	return errors.As(err, &pe)
}

// IsRender 判断错误是否为 RenderError
func IsRender(err error) bool {
	var re *RenderError
	return errors.As(err, &re)
}
