package layout

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// tableHeader 表头列：序号、类别、坐标、文本
var tableHeader = [...]string{"#", "Category", "Coordinates", "Text"}

// RenderTable 将区域列表渲染为自包含的 HTML 表格
// 表头一行，每个区域一行，保持输入顺序；类别和文本均经过 HTML 转义
func RenderTable(items []Item) string {
	var sb strings.Builder
	sb.WriteString("<table>\n<thead>\n<tr>")
	for _, h := range tableHeader {
		sb.WriteString("<th>")
		sb.WriteString(h)
		sb.WriteString("</th>")
	}
	sb.WriteString("</tr>\n</thead>\n<tbody>\n")

	for i, item := range items {
		sb.WriteString("<tr><td>")
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString("</td><td>")
		sb.WriteString(escapeText(item.Category))
		sb.WriteString("</td><td>")
		sb.WriteString(item.BBox.String())
		sb.WriteString("</td><td>")
		sb.WriteString(escapeText(item.Text))
		sb.WriteString("</td></tr>\n")
	}

	sb.WriteString("</tbody>\n</table>\n")
	return sb.String()
}

// RenderHTML 根据分类结果选择展示方式：结构化结果渲染为表格，否则以预格式化文本展示
func RenderHTML(r Result) string {
	if r.Structured() {
		return RenderTable(r.items)
	}
	return "<pre>" + html.EscapeString(r.RawText()) + "</pre>\n"
}

// RenderMarkdown 按阅读顺序将区域渲染为 Markdown
func RenderMarkdown(items []Item) string {
	var sb strings.Builder
	for _, item := range items {
		text := strings.TrimSpace(item.Text)
		if text == "" {
			continue
		}

		switch normalizeCategory(item.Category) {
		case "title":
			sb.WriteString("# ")
			sb.WriteString(singleLine(text))
		case "section-header":
			sb.WriteString("## ")
			sb.WriteString(singleLine(text))
		case "list-item":
			if !strings.HasPrefix(text, "- ") && !strings.HasPrefix(text, "* ") {
				sb.WriteString("- ")
			}
			sb.WriteString(text)
		case "caption", "footnote", "page-header", "page-footer":
			sb.WriteString("*")
			sb.WriteString(singleLine(text))
			sb.WriteString("*")
		default:
			// Text、Table、Formula、Picture 等原样输出
			sb.WriteString(text)
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// escapeText 转义 HTML 特殊字符，并将换行转换为 <br>
func escapeText(s string) string {
	s = html.EscapeString(s)
	s = strings.ReplaceAll(s, "&#13;\n", "\n")
	return strings.ReplaceAll(s, "\n", "<br>")
}

func normalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	return strings.NewReplacer("_", "-", " ", "-").Replace(c)
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
