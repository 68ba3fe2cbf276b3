package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/nerdneilsfield/go-vlm-layout/pkg/layout"
	"github.com/nerdneilsfield/go-vlm-layout/pkg/utils"
)

const (
	maxImageSizeMB = 20

	rawTextFile  = "output.txt"
	htmlFile     = "output.html"
	markdownFile = "output.md"
	itemsFile    = "items.json"
	overlayFile  = "overlay.png"
	metadataFile = "metadata.json"
)

// 支持的图像扩展名
var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// Processor 处理推理结果
type Processor struct {
	client Inferencer
	logger *zap.Logger
}

// NewProcessor 创建一个新的处理器
func NewProcessor(client Inferencer, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		client: client,
		logger: logger,
	}
}

// IsImageFile 根据扩展名判断是否为支持的图像文件
func IsImageFile(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// checkOutputDir 检查输出目录是否已经存在并且output.txt不为空
func (p *Processor) checkOutputDir(outputDir string) (bool, error) {
	fileInfo, err := os.Stat(filepath.Join(outputDir, rawTextFile))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("检查%s文件失败: %w", rawTextFile, err)
	}

	// 如果文件大小为0，则认为需要重新处理
	return fileInfo.Size() > 0, nil
}

// ProcessImage 对单张图像进行推理并保存渲染结果
func (p *Processor) ProcessImage(ctx context.Context, filePath string, opts ProcessOptions) (*ProcessResult, error) {
	startTime := time.Now()
	p.logger.Info("开始处理图像", zap.String("filePath", filePath))

	// 确定输出文件名
	outputName := opts.CustomOutputName
	if outputName == "" {
		outputName = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}
	outputDir := filepath.Join(opts.OutputDir, outputName)

	exists, err := p.checkOutputDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("检查输出目录失败: %w", err)
	}
	if exists {
		p.logger.Info("输出目录已存在且output.txt不为空，跳过处理", zap.String("outputDir", outputDir))
		return &ProcessResult{
			OutputDir:    outputDir,
			MetadataPath: filepath.Join(outputDir, metadataFile),
			Skipped:      true,
			ProcessedAt:  "0s",
		}, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取图像失败: %w", err)
	}
	if sizeMB := float64(len(data)) / 1024 / 1024; sizeMB > maxImageSizeMB {
		return nil, fmt.Errorf("图像大小超过限制: %.2f MB > %d MB", sizeMB, maxImageSizeMB)
	}

	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("不支持的文件类型 %s: %s", mimeType, filePath)
	}

	// 解码失败不影响推理，只会跳过叠加图
	img, format, decodeErr := image.Decode(bytes.NewReader(data))
	if decodeErr != nil {
		p.logger.Warn("解码图像失败，将跳过叠加图", zap.String("filePath", filePath), zap.Error(decodeErr))
	} else {
		p.logger.Debug("图像已解码", zap.String("format", format), zap.Stringer("bounds", img.Bounds()))
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录错误: %w", err)
	}

	p.logger.Debug("进行推理...")
	resp, err := p.client.Infer(ctx, data, mimeType, opts.Prompt)
	if err != nil {
		p.logger.Error("推理失败", zap.Error(err), zap.String("filePath", filePath))
		return nil, fmt.Errorf("推理失败: %w", err)
	}
	p.logger.Debug("推理完成",
		zap.Int("chars", len(resp.Text)),
		zap.String("finishReason", resp.FinishReason))

	metadata := ProcessMetadata{
		RequestID:   uuid.NewString(),
		SourceType:  "image",
		SourcePath:  filePath,
		ImagePath:   filePath,
		ProcessedAt: startTime.Format(time.RFC3339),
		Model:       resp.Model,
		Endpoint:    resp.Endpoint,
		Usage:       &resp.Usage,
	}

	result, err := p.saveResults(layout.NewResult(resp.Text), img, decodeErr, outputDir, metadata, opts)
	if err != nil {
		return nil, fmt.Errorf("保存结果失败: %w", err)
	}

	result.ProcessedAt = time.Since(startTime).String()
	p.logger.Info("处理完成",
		zap.String("outputDir", result.OutputDir),
		zap.Bool("structured", result.Structured),
		zap.Int("items", result.Items),
		zap.String("processTime", result.ProcessedAt))

	return result, nil
}

// saveResults 渲染并保存分类结果
// img 为 nil 且 imgErr 为 nil 时表示没有可用的源图像，直接跳过叠加图
func (p *Processor) saveResults(result layout.Result, img image.Image, imgErr error, outputDir string, metadata ProcessMetadata, opts ProcessOptions) (*ProcessResult, error) {
	items := result.Items()

	metadata.OutputDir = outputDir
	metadata.Structured = result.Structured()
	metadata.ItemCount = len(items)
	metadata.Categories = countCategories(items)
	metadata.RawText = result.RawText()
	if img != nil {
		metadata.ImageWidth = img.Bounds().Dx()
		metadata.ImageHeight = img.Bounds().Dy()
	}

	// 原始文本总是保存
	txtPath := filepath.Join(outputDir, rawTextFile)
	if err := os.WriteFile(txtPath, []byte(result.RawText()), 0644); err != nil {
		return nil, fmt.Errorf("保存文本输出错误: %w", err)
	}
	p.logger.Debug("保存了文本文件", zap.String("path", txtPath))

	htmlPath := filepath.Join(outputDir, htmlFile)
	if err := os.WriteFile(htmlPath, []byte(layout.RenderHTML(result)), 0644); err != nil {
		return nil, fmt.Errorf("保存HTML输出错误: %w", err)
	}
	p.logger.Debug("保存了HTML文件", zap.String("path", htmlPath), zap.Bool("table", result.Structured()))

	// 记录本次生成的可选文件，其余的旧文件在最后删除
	written := make(map[string]bool)

	if result.Structured() {
		itemsJSON, err := json.MarshalIndent(items, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("序列化区域列表错误: %w", err)
		}
		if err := os.WriteFile(filepath.Join(outputDir, itemsFile), itemsJSON, 0644); err != nil {
			return nil, fmt.Errorf("保存区域列表错误: %w", err)
		}
		written[itemsFile] = true

		if opts.SaveMarkdown {
			mdPath := filepath.Join(outputDir, markdownFile)
			if err := os.WriteFile(mdPath, []byte(layout.RenderMarkdown(items)), 0644); err != nil {
				return nil, fmt.Errorf("保存markdown输出错误: %w", err)
			}
			written[markdownFile] = true
			p.logger.Debug("保存了markdown文件", zap.String("path", mdPath))
		}

		if opts.SaveOverlay && (img != nil || imgErr != nil) {
			drawn, err := p.saveOverlay(img, imgErr, items, filepath.Join(outputDir, overlayFile))
			if err != nil {
				// 叠加图失败不影响文本结果
				p.logger.Warn("生成叠加图失败，已跳过", zap.Error(err))
				metadata.RenderError = err.Error()
			} else {
				written[overlayFile] = true
				metadata.BoxesDrawn = drawn
				if drawn < len(items) {
					p.logger.Info("部分区域超出图像范围，未绘制",
						zap.Int("drawn", drawn),
						zap.Int("items", len(items)))
				}
			}
		}
	} else {
		p.logger.Info("模型输出不是版面检测结果，按纯文本保存", zap.Int("chars", len(result.RawText())))
	}

	for _, name := range []string{itemsFile, markdownFile, overlayFile} {
		if !written[name] {
			p.removeStale(filepath.Join(outputDir, name))
		}
	}

	// 保存元数据到JSON文件
	metadataPath := filepath.Join(outputDir, metadataFile)
	metadataJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		p.logger.Warn("保存元数据失败", zap.Error(err))
	} else if err := os.WriteFile(metadataPath, metadataJSON, 0644); err != nil {
		p.logger.Warn("写入元数据文件失败", zap.Error(err))
	} else {
		p.logger.Debug("保存了元数据文件", zap.String("path", metadataPath))
	}

	return &ProcessResult{
		OutputDir:    outputDir,
		MetadataPath: metadataPath,
		Structured:   metadata.Structured,
		Items:        metadata.ItemCount,
		BoxesDrawn:   metadata.BoxesDrawn,
	}, nil
}

// removeStale 删除上一次渲染留下、本次没有重新生成的文件
func (p *Processor) removeStale(path string) {
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("删除旧的输出文件失败", zap.String("path", path), zap.Error(err))
		}
		return
	}
	p.logger.Debug("删除了旧的输出文件", zap.String("path", path))
}

// saveOverlay 绘制并保存叠加图，返回实际绘制的区域数量
func (p *Processor) saveOverlay(img image.Image, imgErr error, items []layout.Item, path string) (int, error) {
	if imgErr != nil {
		return 0, &layout.RenderError{Op: "decode", Err: imgErr}
	}

	overlay, err := layout.RenderOverlay(img, items)
	if err != nil {
		return 0, err
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, &layout.RenderError{Op: "write", Err: err}
	}
	defer f.Close()

	if err := png.Encode(f, overlay); err != nil {
		return 0, &layout.RenderError{Op: "encode", Err: err}
	}

	drawn := 0
	for _, item := range items {
		if layout.Visible(img.Bounds(), item) {
			drawn++
		}
	}
	p.logger.Debug("保存了叠加图", zap.String("path", path), zap.Int("boxes", drawn))
	return drawn, nil
}

// RenderSaved 从已保存的结果重新渲染，无需再次调用模型
// 支持 metadata.json（读取 raw_text 字段）或任意保存了模型原始输出的文本文件
func (p *Processor) RenderSaved(path string, opts ProcessOptions) (*ProcessResult, error) {
	startTime := time.Now()
	p.logger.Info("开始重新渲染", zap.String("file", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}

	raw := string(data)
	var saved ProcessMetadata
	if strings.EqualFold(filepath.Ext(path), ".json") {
		// 以是否存在 raw_text 字段判断元数据，空的模型输出同样有效
		var envelope struct {
			RawText *string `json:"raw_text"`
		}
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.RawText != nil {
			if err := json.Unmarshal(data, &saved); err != nil {
				return nil, fmt.Errorf("解析元数据失败: %w", err)
			}
			p.logger.Debug("从元数据中读取原始输出", zap.String("requestID", saved.RequestID))
			raw = *envelope.RawText
		}
	}

	// 确定输出文件名
	outputName := opts.CustomOutputName
	if outputName == "" {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if base == "metadata" || base == "output" || base == "items" {
			// 对已有输出目录中的文件，沿用目录名
			base = filepath.Base(filepath.Dir(path))
		}
		outputName = base
	}
	outputDir := filepath.Join(opts.OutputDir, outputName)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}
	p.logger.Debug("创建输出目录", zap.String("dir", outputDir))

	imagePath := opts.ImagePath
	if imagePath == "" && saved.ImagePath != "" {
		if _, err := os.Stat(saved.ImagePath); err == nil {
			imagePath = saved.ImagePath
		}
	}

	var img image.Image
	var imgErr error
	if imagePath != "" {
		img, imgErr = decodeImageFile(imagePath)
		if imgErr != nil {
			p.logger.Warn("解码图像失败，将跳过叠加图", zap.String("image", imagePath), zap.Error(imgErr))
		}
	}

	metadata := ProcessMetadata{
		RequestID:   uuid.NewString(),
		SourceType:  "saved",
		SourcePath:  path,
		ImagePath:   imagePath,
		ProcessedAt: startTime.Format(time.RFC3339),
		Model:       saved.Model,
		Endpoint:    saved.Endpoint,
		Usage:       saved.Usage,
	}

	result, err := p.saveResults(layout.NewResult(raw), img, imgErr, outputDir, metadata, opts)
	if err != nil {
		return nil, fmt.Errorf("保存结果失败: %w", err)
	}

	result.ProcessedAt = metadata.ProcessedAt
	p.logger.Info("重新渲染完成",
		zap.String("outputDir", result.OutputDir),
		zap.Bool("structured", result.Structured),
		zap.Int("items", result.Items))

	return result, nil
}

// decodeImageFile 读取并解码图像文件
func decodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("解码图像 %s 失败: %w", path, err)
	}
	return img, nil
}

// ProcessMultipleFiles 处理多个图像文件或目录中的所有图像
func (p *Processor) ProcessMultipleFiles(ctx context.Context, paths []string, opts ProcessOptions) ([]*ProcessResult, error) {
	var results []*ProcessResult
	var filesToProcess []string
	var errors []error
	var skippedFiles int

	// 收集所有需要处理的文件
	for _, path := range paths {
		fileInfo, err := os.Stat(path)
		if err != nil {
			p.logger.Error("获取文件信息失败", zap.String("path", path), zap.Error(err))
			if !opts.ContinueOnError {
				return nil, fmt.Errorf("获取文件信息失败: %w", err)
			}
			errors = append(errors, fmt.Errorf("获取文件信息失败 %s: %w", path, err))
			continue
		}

		if fileInfo.IsDir() {
			p.logger.Info("扫描目录中的图像文件", zap.String("dir", path))
			err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if !info.IsDir() && IsImageFile(filePath) {
					filesToProcess = append(filesToProcess, filePath)
				}
				return nil
			})
			if err != nil {
				p.logger.Error("扫描目录失败", zap.String("dir", path), zap.Error(err))
				if !opts.ContinueOnError {
					return nil, fmt.Errorf("扫描目录失败: %w", err)
				}
				errors = append(errors, fmt.Errorf("扫描目录失败 %s: %w", path, err))
				continue
			}
		} else if IsImageFile(path) {
			filesToProcess = append(filesToProcess, path)
		} else {
			p.logger.Warn("跳过非图像文件", zap.String("file", path))
		}
	}

	if len(filesToProcess) == 0 {
		if len(errors) > 0 {
			return nil, fmt.Errorf("没有找到可处理的图像文件，发生了 %d 个错误", len(errors))
		}
		return nil, fmt.Errorf("没有找到可处理的图像文件")
	}

	p.logger.Info("开始处理文件", zap.Int("total", len(filesToProcess)))

	var tracker *utils.ProgressTracker
	if opts.ShowProgress {
		tracker = utils.NewProgressTracker("处理图像", len(filesToProcess))
	}

	for i, filePath := range filesToProcess {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("处理已取消: %w", err)
		}
		p.logger.Info("处理文件", zap.Int("current", i+1), zap.Int("total", len(filesToProcess)), zap.String("file", filePath))

		// 为每个文件创建单独的输出名称
		fileOpts := opts
		if fileOpts.CustomOutputName == "" {
			fileOpts.CustomOutputName = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
		} else if len(filesToProcess) > 1 {
			// 如果处理多个文件但指定了输出名称，则添加序号
			fileOpts.CustomOutputName = fmt.Sprintf("%s_%d", fileOpts.CustomOutputName, i+1)
		}

		result, err := p.ProcessImage(ctx, filePath, fileOpts)
		if tracker != nil {
			tracker.Step(filepath.Base(filePath))
		}
		if err != nil {
			p.logger.Error("处理文件失败", zap.String("file", filePath), zap.Error(err))
			errors = append(errors, fmt.Errorf("处理文件失败 %s: %w", filePath, err))
			if !opts.ContinueOnError {
				return results, fmt.Errorf("处理文件失败: %w", err)
			}
			continue
		}

		if result.Skipped {
			skippedFiles++
		}
		results = append(results, result)
	}

	if tracker != nil {
		structured := 0
		for _, r := range results {
			if r.Structured {
				structured++
			}
		}
		utils.PrintSummary(os.Stderr, utils.Summary{
			OutputDir:  opts.OutputDir,
			Files:      len(results),
			Structured: structured,
			Skipped:    skippedFiles,
			Elapsed:    tracker.Complete(),
		})
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("所有文件处理失败，发生了 %d 个错误", len(errors))
	}

	if len(errors) > 0 {
		p.logger.Warn("部分文件处理失败", zap.Int("success", len(results)), zap.Int("failed", len(errors)), zap.Int("total", len(filesToProcess)))
	}

	p.logger.Info("所有文件处理完成",
		zap.Int("success", len(results)),
		zap.Int("skipped", skippedFiles),
		zap.Int("total", len(filesToProcess)))
	return results, nil
}
