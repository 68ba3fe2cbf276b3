package ocr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL vLLM OpenAI 兼容服务的默认地址
	DefaultBaseURL = "http://localhost:8000/v1/"
	// DefaultModel 默认的模型名称，需与 vLLM 的 --served-model-name 一致
	DefaultModel = "dots.ocr"
	// DefaultPrompt 要求模型以版面检测 JSON 输出结果
	DefaultPrompt = `Please output the layout information of this document image as a JSON array, in reading order.
Each element must be an object with exactly these fields:
- "category": one of Caption, Footnote, Formula, List-item, Page-footer, Page-header, Picture, Section-header, Table, Text, Title
- "bbox": [x1, y1, x2, y2] in pixel coordinates of the original image
- "text": the recognized content (Markdown for text, HTML for tables, LaTeX for formulas, empty for pictures)
Return only the JSON array.`
)

// 全局随机数生成器
var rnd = rand.New(rand.NewSource(time.Now().UnixNano()))

// Client 表示 vLLM 视觉语言模型推理客户端
type Client struct {
	apiKeys                []string
	baseURLs               []string
	model                  string
	maxTokens              int
	temperature            float32
	httpTimeout            time.Duration
	maxRetries             int
	backoffBase            time.Duration
	currentKeyIndex        int
	currentURLIndex        int
	retryDifferentEndpoint bool
	logger                 *zap.Logger
	mu                     sync.Mutex
}

// NewClient 创建一个新的推理客户端
func NewClient(apiKeys []string, baseURLs []string) *Client {
	// 确保每个URL都以"/"结尾
	urls := make([]string, 0, len(baseURLs))
	for _, baseURL := range baseURLs {
		if baseURL == "" {
			continue
		}
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		urls = append(urls, baseURL)
	}
	if len(urls) == 0 {
		urls = append(urls, DefaultBaseURL)
	}

	// 随机选择初始的 API 密钥和 URL 索引
	var keyIndex int
	if len(apiKeys) > 0 {
		keyIndex = rnd.Intn(len(apiKeys))
	}
	urlIndex := rnd.Intn(len(urls))

	return &Client{
		apiKeys:                apiKeys,
		baseURLs:               urls,
		model:                  DefaultModel,
		maxTokens:              8192,
		temperature:            0.1,
		httpTimeout:            5 * time.Minute, // 默认5分钟超时
		maxRetries:             3,               // 默认最多重试3次
		backoffBase:            time.Second,
		currentKeyIndex:        keyIndex,
		currentURLIndex:        urlIndex,
		retryDifferentEndpoint: true, // 默认启用不同端点重试
		logger:                 zap.NewNop(),
	}
}

// SetRetryDifferentEndpoint 设置是否在 API 调用失败时尝试使用不同的端点
func (c *Client) SetRetryDifferentEndpoint(retry bool) {
	c.retryDifferentEndpoint = retry
}

// SetTimeout 设置HTTP客户端超时时间
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpTimeout = timeout
}

// SetMaxRetries 设置最大重试次数
func (c *Client) SetMaxRetries(retries int) {
	c.maxRetries = retries
}

// SetModel 设置模型名称
func (c *Client) SetModel(model string) {
	if model != "" {
		c.model = model
	}
}

// SetMaxTokens 设置最大生成令牌数
func (c *Client) SetMaxTokens(n int) {
	c.maxTokens = n
}

// SetTemperature 设置采样温度
func (c *Client) SetTemperature(t float32) {
	c.temperature = t
}

// SetLogger 设置日志记录器
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Model 返回当前使用的模型名称
func (c *Client) Model() string {
	return c.model
}

// getNextAPIKey 获取下一个要使用的API密钥
func (c *Client) getNextAPIKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.apiKeys) == 0 {
		return ""
	}

	apiKey := c.apiKeys[c.currentKeyIndex]
	c.currentKeyIndex = (c.currentKeyIndex + 1) % len(c.apiKeys)
	return apiKey
}

// getNextBaseURL 获取下一个要使用的基础URL
func (c *Client) getNextBaseURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	baseURL := c.baseURLs[c.currentURLIndex]
	c.currentURLIndex = (c.currentURLIndex + 1) % len(c.baseURLs)
	return baseURL
}

// newAPIClient 为指定端点和密钥创建 OpenAI 兼容客户端
func (c *Client) newAPIClient(baseURL, apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.HTTPClient = &http.Client{Timeout: c.httpTimeout}
	return openai.NewClientWithConfig(cfg)
}

// buildRequest 构造包含图像和提示词的聊天请求
func (c *Client) buildRequest(image []byte, mimeType, prompt string) openai.ChatCompletionRequest {
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)

	// Temperature 带有 omitempty，0 会从请求中消失，服务端将改用默认温度
	temperature := c.temperature
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	return openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailAuto,
						},
					},
					{
						Type: openai.ChatMessagePartTypeText,
						Text: prompt,
					},
				},
			},
		},
	}
}

// Infer 将图像和提示词发送给模型，返回模型的原始文本输出
func (c *Client) Infer(ctx context.Context, image []byte, mimeType string, prompt string) (*InferenceResponse, error) {
	if len(image) == 0 {
		return nil, errors.New("图像数据为空")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(image)
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}

	req := c.buildRequest(image, mimeType, prompt)
	c.logger.Debug("开始推理",
		zap.String("model", c.model),
		zap.String("mimeType", mimeType),
		zap.Int("imageBytes", len(image)))

	var lastErr error

	// 外层循环：尝试不同的端点
	for endpointAttempt := 0; endpointAttempt < len(c.baseURLs); endpointAttempt++ {
		baseURL := c.getNextBaseURL()
		c.logger.Debug("尝试使用端点", zap.String("endpoint", baseURL))

		// 内层循环：在当前端点上进行重试
		for attempt := 0; attempt <= c.maxRetries; attempt++ {
			if attempt > 0 {
				// 指数退避策略，每次重试等待时间增加
				backoffTime := c.backoffBase * time.Duration(math.Pow(2, float64(attempt-1)))
				c.logger.Info("等待后重试",
					zap.Int("attempt", attempt),
					zap.Duration("backoff", backoffTime))
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoffTime):
				}
			}

			apiKey := c.getNextAPIKey()
			c.logger.Debug("发送请求",
				zap.String("endpoint", baseURL),
				zap.String("apiKey", maskKey(apiKey)))

			resp, err := c.newAPIClient(baseURL, apiKey).CreateChatCompletion(ctx, req)
			if err == nil && len(resp.Choices) > 0 {
				choice := resp.Choices[0]
				c.logger.Debug("推理成功",
					zap.String("model", resp.Model),
					zap.String("finishReason", string(choice.FinishReason)),
					zap.Int("completionTokens", resp.Usage.CompletionTokens))
				return &InferenceResponse{
					Text:         choice.Message.Content,
					Model:        resp.Model,
					FinishReason: string(choice.FinishReason),
					Usage: Usage{
						PromptTokens:     resp.Usage.PromptTokens,
						CompletionTokens: resp.Usage.CompletionTokens,
						TotalTokens:      resp.Usage.TotalTokens,
					},
					Endpoint: baseURL,
				}, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if err == nil {
				err = errors.New("模型未返回任何候选结果")
			}
			lastErr = err

			status := statusCode(err)
			if status == 0 || isRetryableStatus(status) {
				// 网络错误或服务器繁忙，在当前端点继续重试
				c.logger.Warn("请求失败，将重试", zap.Int("status", status), zap.Error(err))
				continue
			}
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				// 认证错误，尝试下一个端点
				c.logger.Warn("认证错误", zap.Int("status", status), zap.Error(err))
				break
			}
			c.logger.Warn("请求失败", zap.Int("status", status), zap.Error(err))
			if !c.retryDifferentEndpoint {
				return nil, lastErr
			}
			break
		}

		// 如果没有启用不同端点重试，则退出外层循环
		if !c.retryDifferentEndpoint {
			break
		}
	}

	c.logger.Error("所有尝试均失败", zap.Error(lastErr))
	return nil, fmt.Errorf("推理失败: %w", lastErr)
}

// statusCode 从 go-openai 的错误中提取 HTTP 状态码，网络错误返回 0
func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// maskKey 对 API 密钥打码
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
