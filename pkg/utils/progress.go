package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
)

// ProgressTracker 批量处理的进度跟踪器
type ProgressTracker struct {
	bar       *progressbar.ProgressBar
	out       io.Writer
	startTime time.Time
	title     string
	total     int
	done      int
}

// NewProgressTracker 创建一个输出到标准错误的进度跟踪器
func NewProgressTracker(title string, total int) *ProgressTracker {
	return NewProgressTrackerWriter(os.Stderr, title, total)
}

// NewProgressTrackerWriter 创建一个输出到指定 writer 的进度跟踪器
func NewProgressTrackerWriter(w io.Writer, title string, total int) *ProgressTracker {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(fmt.Sprintf("[cyan]%s[reset]", title)),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)

	return &ProgressTracker{
		bar:       bar,
		out:       w,
		startTime: time.Now(),
		title:     title,
		total:     total,
	}
}

// Step 完成一个文件
func (pt *ProgressTracker) Step(name string) {
	pt.done++
	pt.bar.Describe(fmt.Sprintf("[cyan]%s[reset] - %s (%s)", pt.title, name, formatDuration(time.Since(pt.startTime))))
	_ = pt.bar.Add(1)
}

// Done 返回已完成的数量
func (pt *ProgressTracker) Done() int {
	return pt.done
}

// Complete 结束进度并返回总耗时
func (pt *ProgressTracker) Complete() time.Duration {
	elapsed := time.Since(pt.startTime)
	if pt.done < pt.total {
		_ = pt.bar.Finish()
	}
	return elapsed
}

// formatDuration 格式化持续时间
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	var b strings.Builder
	if h > 0 {
		fmt.Fprintf(&b, "%dh", h)
	}
	if m > 0 || h > 0 {
		fmt.Fprintf(&b, "%dm", m)
	}
	fmt.Fprintf(&b, "%ds", s)
	return b.String()
}

// Summary 批量处理的汇总信息
type Summary struct {
	OutputDir  string
	Files      int
	Structured int
	Skipped    int
	Elapsed    time.Duration
}

// PrintSummary 打印批量处理结果
func PrintSummary(w io.Writer, s Summary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "✅ 处理完成!")
	fmt.Fprintf(w, "📂 输出目录: %s\n", s.OutputDir)
	fmt.Fprintf(w, "🖼️ 处理图像: %d (版面结果 %d, 跳过 %d)\n", s.Files, s.Structured, s.Skipped)
	fmt.Fprintf(w, "⏱️ 处理时间: %s\n", formatDuration(s.Elapsed))
	fmt.Fprintln(w)
}

// IsTerminal 检查标准输出是否为终端
func IsTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
