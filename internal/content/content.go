package content

import (
	"bytes"
	"mime"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/net/html/charset"
)

// Info 解码后响应体的内容描述
type Info struct {
	MediaType string // 不含参数的媒体类型
	IsText    bool
	Title     string // 仅 HTML 文档
}

var textTypes = map[string]bool{
	"application/json":       true,
	"application/javascript": true,
	"application/xml":        true,
	"application/xhtml+xml":  true,
	"image/svg+xml":          true,
}

// Describe 根据 Content-Type 头与内容嗅探描述响应体
func Describe(body []byte, contentType string) Info {
	var info Info
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt != "" {
		info.MediaType = strings.ToLower(mt)
	}
	detected := mimetype.Detect(body)
	if info.MediaType == "" || info.MediaType == "application/octet-stream" {
		info.MediaType, _, _ = strings.Cut(detected.String(), ";")
	}

	info.IsText = isText(info.MediaType)
	if !info.IsText && len(body) > 0 {
		for m := detected; m != nil; m = m.Parent() {
			if m.Is("text/plain") {
				info.IsText = true
				break
			}
		}
	}

	if info.MediaType == "text/html" || info.MediaType == "application/xhtml+xml" {
		info.Title = Title(body, contentType)
	}
	return info
}

func isText(mt string) bool {
	return strings.HasPrefix(mt, "text/") || textTypes[mt] ||
		strings.HasSuffix(mt, "+json") || strings.HasSuffix(mt, "+xml")
}

// Title 提取 HTML 文档标题，按声明的字符集转换为 UTF-8
func Title(body []byte, contentType string) string {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
}
