package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nerdneilsfield/go-vlm-layout/internal/config"
	"github.com/nerdneilsfield/go-vlm-layout/internal/logger"
	"github.com/nerdneilsfield/go-vlm-layout/pkg/layout"
	"github.com/nerdneilsfield/go-vlm-layout/pkg/ocr"
	"github.com/nerdneilsfield/go-vlm-layout/pkg/utils"
)

var (
	// 默认配置
	cfg *config.Config
	log *zap.Logger

	// 命令行参数
	configFile  string
	apiKeys     []string
	baseURLs    []string
	model       string
	prompt      string
	outputDir   string
	outputName  string
	saveOverlay bool
	logLevel    string
	dryRun      bool
	timeout     int
	maxRetries  int
)

// 子命令参数
var (
	outputToFile string
	imagePath    string
	printTable   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vlm-layout",
		Short: "使用视觉语言模型进行版面检测",
		Long:  `将文档图像发送到 vLLM 部署的视觉语言模型，识别版面检测结果并渲染为HTML表格、Markdown和叠加图。`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// 跳过gen命令的配置加载
			if cmd.Name() == "gen" && cmd.Parent().Name() == "config" {
				return nil
			}
			return setup(cmd)
		},
		SilenceUsage: true,
	}

	// 处理图像命令
	imageCmd := &cobra.Command{
		Use:   "image [图像路径或目录...]",
		Short: "处理本地图像文件或目录",
		Long:  `对一个或多个图像（png、jpg、gif、webp）进行推理，或者处理目录中的所有图像。`,
		Args:  cobra.MinimumNArgs(1),
		RunE:  processImages,
	}

	// 重新渲染命令
	renderCmd := &cobra.Command{
		Use:   "render [metadata.json或文本文件]",
		Short: "从已保存的模型输出重新渲染",
		Long:  `读取已保存的 metadata.json 或模型原始输出，重新生成表格、Markdown和叠加图，无需再次调用模型。`,
		Args:  cobra.ExactArgs(1),
		RunE:  renderSaved,
	}

	// 分类命令
	classifyCmd := &cobra.Command{
		Use:   "classify [文件路径|-]",
		Short: "判断模型输出是否为版面检测结果",
		Args:  cobra.MaximumNArgs(1),
		RunE:  classify,
	}

	// 配置命令
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "管理配置",
	}

	// 设置API密钥命令
	setAPIKeyCmd := &cobra.Command{
		Use:   "set-api-key [API密钥]",
		Short: "设置推理服务的API密钥",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.UpdateConfig("api_keys", []string{args[0]}); err != nil {
				return fmt.Errorf("更新配置失败: %w", err)
			}
			fmt.Println("API密钥已更新")
			return nil
		},
	}

	// 生成默认配置命令
	genConfigCmd := &cobra.Command{
		Use:   "gen",
		Short: "生成默认配置",
		Long:  "生成默认配置并输出到标准输出或指定文件",
		RunE:  generateConfig,
	}

	// 添加根命令标志
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "指定配置文件路径")
	flags.StringSliceVar(&apiKeys, "api-keys", nil, "API密钥列表，用逗号分隔")
	flags.StringSliceVar(&baseURLs, "base-urls", nil, "vLLM 服务基础URL列表，用逗号分隔")
	flags.StringVar(&model, "model", "", "模型名称")
	flags.StringVar(&prompt, "prompt", "", "提示词，留空使用内置的版面检测提示词")
	flags.StringVar(&outputDir, "output-dir", "", "输出目录")
	flags.StringVar(&outputName, "output-name", "", "输出文件名")
	flags.BoolVar(&saveOverlay, "save-overlay", true, "是否保存叠加图")
	flags.StringVar(&logLevel, "log-level", "", "日志级别 (debug, info, warn, error)")
	flags.BoolVar(&dryRun, "dry-run", false, "不执行实际操作，仅打印将要执行的操作")
	flags.IntVar(&timeout, "timeout", 5, "推理请求超时时间（分钟）")
	flags.IntVar(&maxRetries, "max-retries", 3, "推理请求最大重试次数")

	genConfigCmd.Flags().StringVarP(&outputToFile, "output", "o", "", "将配置输出到文件而非标准输出")
	renderCmd.Flags().StringVar(&imagePath, "image", "", "用于生成叠加图的原始图像")
	classifyCmd.Flags().BoolVar(&printTable, "table", false, "同时输出HTML表格")

	// 添加子命令
	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(setAPIKeyCmd)
	configCmd.AddCommand(genConfigCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// setup 初始化应用程序
func setup(cmd *cobra.Command) error {
	var err error

	// 先初始化一个基本日志记录器，用于记录配置加载过程
	tempLogger, _ := zap.NewProduction()
	defer tempLogger.Sync()

	// 加载配置，优先使用命令行指定的配置文件
	if configFile != "" {
		tempLogger.Info("使用自定义配置文件", zap.String("path", configFile))
		cfg, err = loadCustomConfig(configFile)
	} else {
		tempLogger.Debug("使用默认配置文件路径")
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		tempLogger.Error("加载配置失败", zap.Error(err))
		return fmt.Errorf("加载配置失败: %w", err)
	}

	// 从命令行参数更新配置
	updateConfigFromFlags(cmd, tempLogger)

	log, err = logger.InitLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		tempLogger.Error("初始化日志系统失败", zap.Error(err))
		return fmt.Errorf("初始化日志失败: %w", err)
	}

	log.Debug("配置加载完成",
		zap.Strings("baseURLs", cfg.BaseURLs),
		zap.String("model", cfg.Model),
		zap.String("outputDir", cfg.OutputDir),
		zap.Bool("saveOverlay", cfg.SaveOverlay),
		zap.String("logLevel", cfg.LogLevel))

	if len(cfg.APIKeys) == 1 && cfg.APIKeys[0] == config.PlaceholderAPIKey {
		log.Debug("未配置API密钥，使用占位密钥")
	}

	return nil
}

// updateConfigFromFlags 根据命令行参数更新配置
func updateConfigFromFlags(cmd *cobra.Command, logger *zap.Logger) {
	if len(apiKeys) > 0 {
		logger.Debug("从命令行参数更新API密钥")
		cfg.APIKeys = apiKeys
	}
	if len(baseURLs) > 0 {
		logger.Debug("从命令行参数更新基础URL", zap.Strings("baseURLs", baseURLs))
		cfg.BaseURLs = baseURLs
	}
	if model != "" {
		cfg.Model = model
	}
	if prompt != "" {
		cfg.Prompt = prompt
	}
	if outputDir != "" {
		logger.Debug("从命令行参数更新输出目录", zap.String("outputDir", outputDir))
		cfg.OutputDir = outputDir
	}
	if cmd.Flags().Changed("save-overlay") {
		cfg.SaveOverlay = saveOverlay
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}

// loadCustomConfig 从指定路径加载配置
func loadCustomConfig(configPath string) (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("配置文件不存在: %s", configPath)
	}
	return config.LoadConfigFromFile(configPath)
}

// generateConfig 生成默认配置
func generateConfig(cmd *cobra.Command, args []string) error {
	defaultConfig := config.GetDefaultConfig()

	if outputToFile == "" {
		fmt.Println(defaultConfig)
		return nil
	}

	// 确保目录存在
	if dir := filepath.Dir(outputToFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建目录失败: %w", err)
		}
	}
	if err := os.WriteFile(outputToFile, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	fmt.Printf("配置已保存到: %s\n", outputToFile)
	return nil
}

// newProcessor 根据配置创建推理客户端和处理器
func newProcessor() *ocr.Processor {
	client := ocr.NewClient(cfg.APIKeys, cfg.BaseURLs)
	client.SetModel(cfg.Model)
	client.SetMaxTokens(cfg.MaxTokens)
	client.SetTemperature(cfg.Temperature)
	client.SetTimeout(time.Duration(timeout) * time.Minute)
	client.SetMaxRetries(maxRetries)
	client.SetRetryDifferentEndpoint(cfg.RetryDifferentEndpoint)
	client.SetLogger(log.Named("client"))

	return ocr.NewProcessor(client, log.Named("processor"))
}

// processOptions 根据配置生成处理选项
func processOptions() ocr.ProcessOptions {
	return ocr.ProcessOptions{
		Prompt:           cfg.Prompt,
		OutputDir:        cfg.OutputDir,
		CustomOutputName: outputName,
		SaveOverlay:      cfg.SaveOverlay,
		SaveMarkdown:     cfg.SaveMarkdown,
		ContinueOnError:  cfg.ContinueOnError,
		ShowProgress:     utils.IsTerminal(),
	}
}

// processImages 处理本地图像文件或目录
func processImages(cmd *cobra.Command, args []string) error {
	log.Info("处理图像", zap.Strings("paths", args))

	if dryRun {
		log.Info("空运行模式，不执行实际操作",
			zap.String("model", cfg.Model),
			zap.Strings("baseURLs", cfg.BaseURLs),
			zap.String("outputDir", cfg.OutputDir))
		return nil
	}

	processor := newProcessor()
	opts := processOptions()

	// 单个文件直接处理
	if len(args) == 1 {
		fileInfo, err := os.Stat(args[0])
		if err != nil {
			log.Error("获取文件信息失败", zap.Error(err))
			return err
		}
		if !fileInfo.IsDir() {
			result, err := processor.ProcessImage(cmd.Context(), args[0], opts)
			if err != nil {
				log.Error("处理图像失败", zap.Error(err))
				return err
			}
			printResult(result)
			return nil
		}
	}

	results, err := processor.ProcessMultipleFiles(cmd.Context(), args, opts)
	if err != nil {
		log.Error("处理图像失败", zap.Error(err))
		return err
	}

	log.Info("所有图像处理完成", zap.Int("processed", len(results)))
	if !opts.ShowProgress {
		fmt.Printf("处理完成，共处理 %d 个文件\n", len(results))
	}
	return nil
}

// renderSaved 从已保存的结果重新渲染
func renderSaved(cmd *cobra.Command, args []string) error {
	log.Info("重新渲染", zap.String("file", args[0]), zap.String("image", imagePath))

	if dryRun {
		log.Info("空运行模式，不执行实际操作")
		return nil
	}

	opts := processOptions()
	opts.ImagePath = imagePath

	// 重新渲染不需要调用模型
	processor := ocr.NewProcessor(nil, log.Named("processor"))
	result, err := processor.RenderSaved(args[0], opts)
	if err != nil {
		log.Error("重新渲染失败", zap.Error(err))
		return err
	}

	printResult(result)
	return nil
}

// classify 判断输入是否为版面检测结果
func classify(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("读取输入失败: %w", err)
	}

	result := layout.NewResult(string(data))
	out := cmd.OutOrStdout()
	if !result.Structured() {
		if _, err := layout.Extract(string(data)); err != nil {
			log.Debug("未识别为版面检测结果", zap.Error(err))
		}
		fmt.Fprintln(out, "plain")
		return nil
	}

	fmt.Fprintf(out, "structured (%d items)\n", result.Len())
	if printTable {
		fmt.Fprint(out, layout.RenderTable(result.Items()))
	}
	return nil
}

// printResult 打印单个结果
func printResult(result *ocr.ProcessResult) {
	switch {
	case result.Skipped:
		fmt.Printf("输出已存在，跳过处理: %s\n", result.OutputDir)
	case result.Structured:
		fmt.Printf("版面检测结果 %d 个区域（绘制 %d 个），结果保存在: %s\n", result.Items, result.BoxesDrawn, result.OutputDir)
	default:
		fmt.Printf("纯文本结果，保存在: %s\n", result.OutputDir)
	}
}
