package ocr

import (
	"context"

	"github.com/nerdneilsfield/go-vlm-layout/pkg/layout"
)

// Inferencer 表示可以对图像执行推理并返回原始文本的服务
type Inferencer interface {
	Infer(ctx context.Context, image []byte, mimeType string, prompt string) (*InferenceResponse, error)
}

// InferenceResponse 表示一次推理的结果
type InferenceResponse struct {
	Text         string
	Model        string
	FinishReason string
	Usage        Usage
	Endpoint     string
}

// Usage 表示令牌用量
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProcessResult 表示处理结果
type ProcessResult struct {
	OutputDir    string
	MetadataPath string
	Structured   bool
	Items        int
	BoxesDrawn   int
	Skipped      bool
	ProcessedAt  string
}

// ProcessOptions 表示处理选项
type ProcessOptions struct {
	Prompt           string
	OutputDir        string
	CustomOutputName string
	SaveOverlay      bool
	SaveMarkdown     bool
	ContinueOnError  bool   // 当处理多个文件时，如果一个文件处理失败，是否继续处理其他文件
	ImagePath        string // 离线重新渲染时用于生成叠加图的原始图像
	ShowProgress     bool
}

// ProcessMetadata 存储处理元数据
type ProcessMetadata struct {
	RequestID   string         `json:"request_id"`
	SourceType  string         `json:"source_type"` // "image" 或 "saved"
	SourcePath  string         `json:"source_path"`
	ImagePath   string         `json:"image_path,omitempty"`
	OutputDir   string         `json:"output_dir"`
	ProcessedAt string         `json:"processed_at"`
	Model       string         `json:"model,omitempty"`
	Endpoint    string         `json:"endpoint,omitempty"`
	Usage       *Usage         `json:"usage,omitempty"`
	ImageWidth  int            `json:"image_width,omitempty"`
	ImageHeight int            `json:"image_height,omitempty"`
	Structured  bool           `json:"structured"`
	ItemCount   int            `json:"item_count"`
	BoxesDrawn  int            `json:"boxes_drawn"`
	Categories  map[string]int `json:"categories,omitempty"`
	RenderError string         `json:"render_error,omitempty"`
	RawText     string         `json:"raw_text"`
}

// countCategories 统计每个类别的区域数量
func countCategories(items []layout.Item) map[string]int {
	if len(items) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, item := range items {
		counts[item.Category]++
	}
	return counts
}
