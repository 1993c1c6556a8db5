package export

import (
	"fmt"
	"html"
	"strings"
)

// ProseToHTML converts plain scene prose to HTML. Blank lines separate
// paragraphs; single line breaks inside a paragraph become <br>.
func ProseToHTML(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return ""
	}

	var result strings.Builder
	for _, paragraph := range splitParagraphs(text) {
		escaped := html.EscapeString(paragraph)
		escaped = strings.ReplaceAll(escaped, "\n", "<br>\n")
		result.WriteString(fmt.Sprintf("<p>%s</p>\n", escaped))
	}
	return result.String()
}

// splitParagraphs breaks text on runs of blank lines.
func splitParagraphs(text string) []string {
	var paragraphs []string
	var current []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				paragraphs = append(paragraphs, strings.Join(current, "\n"))
				current = nil
			}
			continue
		}
		current = append(current, strings.TrimRight(line, " \t"))
	}
	if len(current) > 0 {
		paragraphs = append(paragraphs, strings.Join(current, "\n"))
	}
	return paragraphs
}
