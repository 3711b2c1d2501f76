package export

import (
	"bytes"
	"html/template"
	"strings"
)

// TemplateData holds data for the sheet template.
type TemplateData struct {
	DateKey  string
	BodyHTML template.HTML
	Email    string
}

const sheetTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
  @page { size: letter; }
  body {
    font-family: Georgia, 'Times New Roman', serif;
    font-size: 12pt;
    line-height: 1.6;
    color: #1a1a1a;
    max-width: 42em;
    margin: 0 auto;
  }
  h1 {
    font-size: 16pt;
    border-bottom: 1px solid #ccc;
    padding-bottom: 0.3em;
  }
  .meta { color: #666; font-size: 9pt; margin-bottom: 2em; }
  .body p { margin: 0 0 0.8em; white-space: pre-wrap; }
</style>
</head>
<body>
  <h1>{{.DateKey}}</h1>
  <div class="meta">{{.Email}}</div>
  <div class="body">{{.BodyHTML}}</div>
</body>
</html>
`

var sheetTmpl = template.Must(template.New("sheet").Parse(sheetTemplate))

// RenderSheetHTML renders the printable page for one day's sheet.
func RenderSheetHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := sheetTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// bodyToHTML turns a raw markdown body into minimal printable HTML:
// paragraphs split on blank lines, everything escaped. Markdown syntax
// is left as-is; the journal reads fine in plain text.
func bodyToHTML(body string) template.HTML {
	var b strings.Builder
	for _, para := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(template.HTMLEscapeString(para))
		b.WriteString("</p>\n")
	}
	return template.HTML(b.String())
}
