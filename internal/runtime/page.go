package runtime

import (
	"html/template"
	"log/slog"
	"net/http"
)

var pageTemplate = template.Must(template.New("widget").Parse(widgetHTML))

func (r *Runtime) handlePage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := pageTemplate.Execute(w, r.state()); err != nil {
		r.logger.Error("page render failed", slog.String("error", err.Error()))
	}
}

// The page renders the current state server-side and drives the JSON API.
// Hiding the tab or leaving the window interrupts listening.
const widgetHTML = `<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8">
    <title>Loqa Chat</title>
    <style>
      body { margin: 0; font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; background: #fffaf0; }
      .widget { max-width: 900px; margin: 0 auto; display: flex; flex-direction: column; height: 100vh; }
      .header { display: flex; justify-content: space-between; align-items: center; padding: 10px 20px; background: linear-gradient(135deg, #1976d2 0%, #1565c0 100%); color: white; }
      .banner { margin: 10px; padding: 10px 16px; border-radius: 4px; background: #fdecea; color: #611a15; }
      .messages { flex: 1; overflow-y: auto; padding: 20px; display: flex; flex-direction: column; gap: 10px; }
      .msg { padding: 12px 16px; border-radius: 15px; max-width: 80%; white-space: pre-wrap; word-break: break-word; }
      .msg.user { background: linear-gradient(135deg, #1976d2 0%, #1565c0 100%); color: white; }
      .msg.bot { background: white; color: black; }
      .msg a { color: #1976d2; text-decoration: underline; margin-left: 4px; }
      .msg iframe.preview { display: block; width: 100%; height: 320px; margin-top: 8px; border: 1px solid #e0e0e0; border-radius: 4px; background: white; }
      .flow { display: flex; justify-content: space-between; align-items: center; padding: 12px 16px; background: white; border-radius: 4px; box-shadow: 0 1px 3px rgba(0,0,0,0.2); color: #2c3e50; text-decoration: none; }
      .flow .badge { background: #3498db; color: white; padding: 4px 8px; border-radius: 12px; font-size: 0.8em; }
      .composer { display: flex; gap: 8px; padding: 20px; border-top: 1px solid #e0e0e0; }
      .composer input { flex: 1; padding: 10px; }
      .status { padding: 0 20px 10px; color: #555; font-size: 0.9em; }
    </style>
  </head>
  <body>
    <div class="widget">
      <div class="header">
        <span>Loqa Chat</span>
        <button id="speak" title="{{if .Speaking}}Stop speaking{{else}}Play last response{{end}}">{{if .Speaking}}Stop{{else}}Play{{end}}</button>
      </div>
      {{with .Banner}}<div class="banner" role="alert">{{.}}</div>{{end}}
      <div class="messages">
        <label>Select Search Type
          <select id="search-type">
            <option value="" {{if not .SearchType}}selected{{end}} disabled>Select Search Type</option>
            {{- $current := .SearchType}}
            {{- range .SearchTypes}}
            <option value="{{.Value}}" {{if eq .Value $current}}selected{{end}}>{{.Label}}</option>
            {{- end}}
          </select>
        </label>
        {{- range .Messages}}
        <div class="msg {{.Role}}">{{.Body}}{{with .Diagram}}<a href="{{.Href}}" target="_blank" rel="noopener noreferrer">Open Interactive Diagram</a>
          {{- if .Embeddable}}<iframe class="preview" src="{{.Href}}" loading="lazy" title="Diagram preview"></iframe>{{end}}{{end}}</div>
        {{- end}}
        {{if .Processing}}<div class="msg bot">...</div>{{end}}
        <a class="flow" id="flow" href="/diagram" target="_blank" rel="noopener noreferrer">
          <strong>{{.DiagramTitle}}</strong><span class="badge">Click to view full size</span>
        </a>
      </div>
      <div class="status">Voice: {{.Voice.StateName}}{{with .Voice.Transcript}} &ldquo;{{.}}&rdquo;{{end}}</div>
      <form class="composer" id="composer">
        <input id="text" autocomplete="off" placeholder="Type your message..." {{if or .Processing (not .SessionID)}}disabled{{end}}>
        <button type="button" id="mic" {{if or .Processing (not .SessionID)}}disabled{{end}}>{{if eq .Voice.StateName "listening"}}Stop{{else}}Mic{{end}}</button>
        <button type="submit" {{if or .Processing (not .SessionID)}}disabled{{end}}>Send</button>
      </form>
    </div>
    <script>
      const listening = {{eq .Voice.StateName "listening"}};
      async function call(path, body) {
        await fetch(path, { method: 'POST', headers: { 'Content-Type': 'application/json' }, body: JSON.stringify(body || {}) });
        location.reload();
      }
      document.getElementById('search-type').addEventListener('change', e => call('/api/search-type', { search_type: e.target.value }));
      document.getElementById('composer').addEventListener('submit', e => {
        e.preventDefault();
        const text = document.getElementById('text').value;
        if (text.trim()) call('/api/messages', { text });
      });
      document.getElementById('mic').addEventListener('click', () => call(listening ? '/api/voice/stop' : '/api/voice/start'));
      document.getElementById('speak').addEventListener('click', () => call('/api/speech/toggle'));
      document.addEventListener('visibilitychange', () => {
        if (document.hidden && listening) navigator.sendBeacon('/api/voice/interrupt', JSON.stringify({ reason: 'visibility_hidden' }));
      });
      window.addEventListener('blur', () => {
        if (listening) navigator.sendBeacon('/api/voice/interrupt', JSON.stringify({ reason: 'focus_lost' }));
      });
      if (listening || {{.Processing}}) setTimeout(() => location.reload(), 1000);
    </script>
  </body>
</html>
`
