package console

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/loqalabs/loqa-chat/internal/chat"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/diagram"
	"github.com/muesli/termenv"
)

// Renderer formats widget state for a terminal.
type Renderer struct {
	re      *lipgloss.Renderer
	profile termenv.Profile
	baseURL string
	width   int

	user   lipgloss.Style
	bot    lipgloss.Style
	label  lipgloss.Style
	banner lipgloss.Style
	muted  lipgloss.Style
	link   lipgloss.Style
}

// NewRenderer builds styles for w. Color and hyperlinks follow the detected
// profile; NO_COLOR or a non-terminal yields plain text.
func NewRenderer(w io.Writer, cfg config.DiagramConfig, profile termenv.Profile) *Renderer {
	re := lipgloss.NewRenderer(w)
	re.SetColorProfile(profile)
	accent := lipgloss.Color("#1976d2")
	return &Renderer{
		re:      re,
		profile: profile,
		baseURL: cfg.BaseURL,
		width:   72,
		user:    re.NewStyle().Foreground(lipgloss.Color("#ffffff")).Background(accent).Padding(0, 1),
		bot:     re.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(accent).Padding(0, 1),
		label:   re.NewStyle().Foreground(accent).Bold(true),
		banner:  re.NewStyle().Foreground(lipgloss.Color("#611a15")).Background(lipgloss.Color("#fdecea")).Padding(0, 1),
		muted:   re.NewStyle().Faint(true),
		link:    re.NewStyle().Foreground(accent).Underline(true),
	}
}

// DetectProfile returns the color profile for w, or Ascii when NO_COLOR is set.
func DetectProfile(w io.Writer) termenv.Profile {
	out := termenv.NewOutput(w)
	if out.EnvNoColor() {
		return termenv.Ascii
	}
	return out.EnvColorProfile()
}

func (r *Renderer) Message(m chat.Message) string {
	if m.Role == chat.RoleUser {
		return r.label.Render("you") + "\n" + r.user.Render(wrap(m.Text, r.width))
	}
	body := m.Text
	var linkLine string
	if answer := diagram.Parse(m.Text); answer.HasDiagram {
		body = strings.TrimRight(answer.Text, " \t\r\n")
		linkLine = r.diagramLink(answer.Link)
	}
	content := wrap(body, r.width)
	if linkLine != "" {
		if content != "" {
			content += "\n"
		}
		content += linkLine
	}
	return r.label.Render("bot") + "\n" + r.bot.Render(content)
}

func (r *Renderer) diagramLink(link string) string {
	const text = "Open Interactive Diagram"
	if link == "" {
		return r.link.Render(text)
	}
	target := link
	if doc, err := diagram.Resolve(r.baseURL, link); err == nil {
		target = doc.URL
	}
	if r.profile == termenv.Ascii {
		return fmt.Sprintf("%s: %s", text, target)
	}
	return termenv.Hyperlink(target, r.link.Render(text))
}

func (r *Renderer) Banner(text string) string {
	return r.banner.Render("! " + text)
}

func (r *Renderer) Info(text string) string {
	return r.muted.Render(text)
}

func (r *Renderer) SearchTypes(types []config.SearchType, current string) string {
	var b strings.Builder
	for _, st := range types {
		marker := " "
		if st.Value == current {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %-16s %s\n", marker, st.Value, r.muted.Render(st.Label))
	}
	return strings.TrimRight(b.String(), "\n")
}

func wrap(text string, width int) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		for len(line) > width {
			cut := strings.LastIndexByte(line[:width], ' ')
			if cut <= 0 {
				cut = width
			}
			out = append(out, line[:cut])
			line = strings.TrimLeft(line[cut:], " ")
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
