// Package outline turns generated outline text into ordered page specs.
package outline

import (
	"regexp"
	"strings"
)

// PageType classifies a page.
type PageType string

const (
	PageCover   PageType = "cover"
	PageContent PageType = "content"
	PageSummary PageType = "summary"
)

// Page is one parsed outline page. Content keeps any leading tag.
type Page struct {
	Index   int      `json:"index" validate:"gte=0"`
	Type    PageType `json:"type" validate:"omitempty,oneof=cover content summary"`
	Content string   `json:"content" validate:"required"`
}

var (
	pageMarkerRe = regexp.MustCompile(`(?i)<page>`)
	tagRe        = regexp.MustCompile(`^\[(\S+?)\]`)
)

var tagTypes = map[string]PageType{
	"封面":      PageCover,
	"内容":      PageContent,
	"总结":      PageSummary,
	"cover":   PageCover,
	"content": PageContent,
	"summary": PageSummary,
}

// Parse splits text on <page> markers, or on "---" lines when no marker is
// present. Empty segments are dropped without consuming an index.
func Parse(text string) []Page {
	var segments []string
	if pageMarkerRe.MatchString(text) {
		segments = pageMarkerRe.Split(text, -1)
	} else {
		segments = strings.Split(text, "---")
	}

	pages := make([]Page, 0, len(segments))
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		pages = append(pages, Page{
			Index:   len(pages),
			Type:    typeOf(seg),
			Content: seg,
		})
	}
	return pages
}

func typeOf(seg string) PageType {
	m := tagRe.FindStringSubmatch(seg)
	if m == nil {
		return PageContent
	}
	if t, ok := tagTypes[strings.ToLower(m[1])]; ok {
		return t
	}
	return PageContent
}

// CoverIndex returns the position in pages of the first page typed cover,
// or 0 when none is tagged. It returns -1 for an empty slice.
func CoverIndex(pages []Page) int {
	if len(pages) == 0 {
		return -1
	}
	for i, p := range pages {
		if p.Type == PageCover {
			return i
		}
	}
	return 0
}
