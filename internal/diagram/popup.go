package diagram

import (
	"html/template"
	"io"
	"time"

	"github.com/loqalabs/loqa-chat/internal/config"
)

// Popup renders the standalone diagram page. The Mermaid script in the
// page does the actual rendering in the browser.
type Popup struct {
	cfg  config.DiagramConfig
	tmpl *template.Template
	now  func() time.Time
}

type popupData struct {
	Title       string
	ScriptURL   string
	Theme       string
	Primary     string
	Source      string
	GeneratedAt string
}

func NewPopup(cfg config.DiagramConfig) *Popup {
	return &Popup{
		cfg:  cfg,
		tmpl: template.Must(template.New("popup").Parse(popupHTML)),
		now:  time.Now,
	}
}

// Render writes the page. An empty source falls back to the configured one.
func (p *Popup) Render(w io.Writer, title, source string) error {
	if title == "" {
		title = p.cfg.Title
	}
	if source == "" {
		source = p.cfg.Source
	}
	return p.tmpl.Execute(w, popupData{
		Title:       title,
		ScriptURL:   p.cfg.ScriptURL,
		Theme:       p.cfg.Theme,
		Primary:     p.cfg.PrimaryHex,
		Source:      source,
		GeneratedAt: p.now().Format(time.RFC1123),
	})
}

const popupHTML = `<!DOCTYPE html>
<html>
  <head>
    <title>{{.Title}}</title>
    <script src="{{.ScriptURL}}"></script>
    <style>
      body { margin: 0; font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; }
      .container { max-width: 1200px; margin: 0 auto; background: white; border-radius: 15px; box-shadow: 0 20px 40px rgba(0,0,0,0.1); overflow: hidden; }
      .header { background: linear-gradient(135deg, #2c3e50 0%, {{.Primary}} 100%); color: white; padding: 30px; text-align: center; }
      .header h1 { margin: 0; font-size: 2.5em; font-weight: 300; }
      .diagram-container { padding: 40px; text-align: center; background: #f8f9fa; }
      .mermaid { background: white; border-radius: 10px; padding: 20px; box-shadow: 0 5px 15px rgba(0,0,0,0.08); }
      .footer { background: #2c3e50; color: white; padding: 20px; text-align: center; font-size: 0.9em; }
    </style>
  </head>
  <body>
    <div class="container">
      <div class="header"><h1>{{.Title}}</h1></div>
      <div class="diagram-container">
        <div class="mermaid">
{{.Source}}
        </div>
      </div>
      <div class="footer">Generated on {{.GeneratedAt}}</div>
    </div>
    <script>
      mermaid.initialize({
        startOnLoad: true,
        theme: '{{.Theme}}',
        themeVariables: {
          primaryColor: '{{.Primary}}',
          primaryTextColor: '#2c3e50',
          primaryBorderColor: '#2980b9',
          lineColor: '#34495e',
          secondaryColor: '#ecf0f1',
          tertiaryColor: '#bdc3c7'
        }
      });
    </script>
  </body>
</html>
`
