package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

// SafeHTML is a template function that marks a string as safe HTML
func SafeHTML(s interface{}) template.HTML {
	switch v := s.(type) {
	case string:
		return template.HTML(v)
	case template.HTML:
		return v
	default:
		return template.HTML("")
	}
}

//go:embed templates/*.html
var templateFS embed.FS

var bookTemplate *template.Template

func init() {
	// Custom template functions
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"safeHTML": SafeHTML,
	}

	templateContent, err := templateFS.ReadFile("templates/book.html")
	if err != nil {
		// Fallback to built-in template if file not found
		bookTemplate = template.Must(template.New("book").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	bookTemplate = template.Must(template.New("book").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for book template rendering
type TemplateData struct {
	Title     string
	Genre     string
	Author    string
	UpdatedAt time.Time
	WordCount int
	Stories   []TemplateStory
}

// TemplateStory holds story data for template
type TemplateStory struct {
	Title    string
	Synopsis string
	Parts    []TemplatePart
}

// TemplatePart holds part data for template
type TemplatePart struct {
	Title    string
	Chapters []TemplateChapter
}

// TemplateChapter holds chapter data for template
type TemplateChapter struct {
	Title  string
	POV    string
	Scenes []TemplateScene
}

// TemplateScene holds scene data for template
type TemplateScene struct {
	Title     string
	ProseHTML template.HTML
}

// RenderBookHTML renders the book template with provided data
func RenderBookHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := bookTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 700px; margin: 2rem auto; }
    h1 { text-align: center; }
    .meta { color: #666; font-size: 0.9em; text-align: center; margin-bottom: 2rem; }
    h2 { page-break-before: always; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.Author}}{{if .Genre}} | {{.Genre}}{{end}} | {{.UpdatedAt.Format "Jan 2, 2006"}}</div>
  {{range .Stories}}
    {{range .Parts}}
      {{range .Chapters}}
        <h2>{{.Title}}</h2>
        {{range .Scenes}}<div>{{.ProseHTML}}</div>{{end}}
      {{end}}
    {{end}}
  {{end}}
</body>
</html>`
