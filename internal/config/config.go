package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix 环境变量前缀
	EnvPrefix = "VLM_LAYOUT"
	// PlaceholderAPIKey 未启用鉴权的 vLLM 接受任意令牌
	PlaceholderAPIKey = "EMPTY"

	defaultBaseURL = "http://localhost:8000/v1/"
	configDirName  = "vlm-layout"
)

// Config 应用程序配置
type Config struct {
	// API配置
	APIKeys     []string `mapstructure:"api_keys"`
	BaseURLs    []string `mapstructure:"base_urls"`
	Model       string   `mapstructure:"model"`
	Prompt      string   `mapstructure:"prompt"`
	MaxTokens   int      `mapstructure:"max_tokens"`
	Temperature float32  `mapstructure:"temperature"`

	// 错误处理配置
	ContinueOnError        bool `mapstructure:"continue_on_error"`
	RetryDifferentEndpoint bool `mapstructure:"retry_different_endpoint"`

	// 输出配置
	OutputDir    string `mapstructure:"output_dir"`
	SaveOverlay  bool   `mapstructure:"save_overlay"`
	SaveMarkdown bool   `mapstructure:"save_markdown"`

	// 日志配置
	LogLevel  string `mapstructure:"log_level"`
	LogFile   string `mapstructure:"log_file"`
	LogFormat string `mapstructure:"log_format"`
}

// LoadConfig 从viper加载配置
func LoadConfig() (*Config, error) {
	loadDotEnv(".env")
	setDefaults()

	// 尝试从配置文件加载
	if err := loadConfigFile(); err != nil {
		// 如果找不到配置文件，创建一个默认配置
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			if err := createDefaultConfig(); err != nil {
				return nil, fmt.Errorf("无法创建默认配置: %w", err)
			}
		} else {
			return nil, fmt.Errorf("加载配置文件出错: %w", err)
		}
	}

	return decode()
}

// LoadConfigFromFile 从指定路径加载配置文件
func LoadConfigFromFile(configPath string) (*Config, error) {
	loadDotEnv(".env")
	setDefaults()

	viper.SetConfigFile(configPath)
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode()
}

// decode 合并环境变量并解析到结构体
func decode() (*Config, error) {
	loadFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置出错: %w", err)
	}

	// 单个密钥的写法：api_key 或 VLM_LAYOUT_API_KEY
	if apiKey := viper.GetString("api_key"); apiKey != "" && len(nonEmpty(config.APIKeys)) == 0 {
		config.APIKeys = []string{apiKey}
	}
	if baseURL := viper.GetString("base_url"); baseURL != "" && len(nonEmpty(config.BaseURLs)) == 0 {
		config.BaseURLs = []string{baseURL}
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// loadDotEnv 加载 .env 文件，已存在的环境变量不会被覆盖
func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "加载 %s 失败: %v\n", path, err)
	}
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("base_urls", []string{defaultBaseURL})
	viper.SetDefault("model", "dots.ocr")
	viper.SetDefault("prompt", "")
	viper.SetDefault("max_tokens", 8192)
	viper.SetDefault("temperature", 0.1)
	viper.SetDefault("output_dir", "./output")
	viper.SetDefault("save_overlay", true)
	viper.SetDefault("save_markdown", true)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_file", "")
	viper.SetDefault("log_format", "console")
	viper.SetDefault("continue_on_error", true)
	viper.SetDefault("retry_different_endpoint", true)
}

// loadConfigFile 尝试加载配置文件
func loadConfigFile() error {
	viper.SetConfigName("config")
	viper.SetConfigType("toml")

	// 1. 当前工作目录
	viper.AddConfigPath(".")

	// 2. 用户配置目录
	if homeDir, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(homeDir, ".config", configDirName))
	}

	// 3. 系统配置目录
	viper.AddConfigPath(filepath.Join("/etc", configDirName))

	return viper.ReadInConfig()
}

// createDefaultConfig 在用户配置目录创建默认配置文件
func createDefaultConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configDir := filepath.Join(homeDir, ".config", configDirName)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	configPath := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(configPath, []byte(GetDefaultConfig()), 0644); err != nil {
		return err
	}
	viper.SetConfigFile(configPath)
	return nil
}

// loadFromEnv 从环境变量加载配置
func loadFromEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// VLM_LAYOUT_API_KEY 映射到 api_key
	_ = viper.BindEnv("api_key", EnvPrefix+"_API_KEY")
	_ = viper.BindEnv("base_url", EnvPrefix+"_BASE_URL")

	viper.AutomaticEnv()
}

// validateConfig 验证配置并补全缺省值
func validateConfig(config *Config) error {
	config.APIKeys = nonEmpty(config.APIKeys)
	if len(config.APIKeys) == 0 {
		if apiKey := os.Getenv(EnvPrefix + "_API_KEY"); apiKey != "" {
			config.APIKeys = []string{apiKey}
		} else {
			config.APIKeys = []string{PlaceholderAPIKey}
		}
	}

	config.BaseURLs = nonEmpty(config.BaseURLs)
	if len(config.BaseURLs) == 0 {
		config.BaseURLs = []string{defaultBaseURL}
	}
	// 确保每个 BaseURL 都以 / 结尾
	for i, baseURL := range config.BaseURLs {
		if !strings.HasSuffix(baseURL, "/") {
			config.BaseURLs[i] = baseURL + "/"
		}
	}

	if config.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens 必须大于 0: %d", config.MaxTokens)
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return fmt.Errorf("temperature 必须在 0 到 2 之间: %v", config.Temperature)
	}

	switch config.LogFormat {
	case "", "console", "json":
	default:
		return fmt.Errorf("不支持的日志格式: %s", config.LogFormat)
	}

	// 确保输出目录存在
	if config.OutputDir != "" {
		if err := os.MkdirAll(config.OutputDir, 0755); err != nil {
			return fmt.Errorf("无法创建输出目录: %w", err)
		}
	}

	return nil
}

func nonEmpty(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// UpdateConfig 更新配置
func UpdateConfig(key string, value interface{}) error {
	viper.Set(key, value)
	return viper.WriteConfig()
}

// GetDefaultConfig 返回默认配置文件内容
func GetDefaultConfig() string {
	return `# vlm-layout 配置文件

# 推理服务配置
# vLLM 的 OpenAI 兼容接口，未设置 --api-key 时可以留空，程序会使用占位密钥
# 支持多个API密钥轮询，也可以使用 VLM_LAYOUT_API_KEY 环境变量
api_keys = [""]

# 支持多个基础URL轮询，某个端点不可用时自动切换到备用端点
base_urls = ["http://localhost:8000/v1/"]

model = "dots.ocr"  # 与 vLLM 的 --served-model-name 一致
prompt = ""         # 留空使用内置的版面检测提示词
max_tokens = 8192
temperature = 0.1

# 错误处理配置
continue_on_error = true  # 当处理多个文件时，如果一个文件处理失败，是否继续处理其他文件
retry_different_endpoint = true  # 当一个端点失败时，是否尝试使用不同的端点重试

# 输出配置
output_dir = "./output"
save_overlay = true   # 保存带有区域框的叠加图 overlay.png
save_markdown = true  # 保存按阅读顺序排列的 output.md

# 日志配置
log_level = "info"  # debug, info, warn, error
log_file = ""      # 留空表示输出到控制台
log_format = "console"  # console 或 json
`
}
