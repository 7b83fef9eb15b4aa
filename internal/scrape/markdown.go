package scrape

import (
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// HTMLToMarkdown converts a raw page body reported by a worker into markdown.
// Relative links are resolved against pageURL. If the converter produces
// nothing, tags are stripped instead so some text always survives.
func HTMLToMarkdown(html, pageURL string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}
	converter := md.NewConverter(pageURL, true, nil)
	converted, err := converter.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("convert html: %w", err)
	}
	if strings.TrimSpace(converted) == "" {
		return stripTags(html), nil
	}
	return converted, nil
}

func stripTags(html string) string {
	stripped := tagPattern.ReplaceAllString(html, " ")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(stripped, " "))
}
