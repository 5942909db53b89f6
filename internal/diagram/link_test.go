package diagram

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/stretchr/testify/require"
)

func TestSpokenTextWithoutMarkerIsVerbatim(t *testing.T) {
	for _, in := range []string{"", "hi there", "  padded  ", "[Open Diagram](x)", "line\nbreak\n"} {
		require.Equal(t, in, SpokenText(in))
	}
}

func TestSpokenTextStripsMarker(t *testing.T) {
	answer := "Here is the flow.  \n[Open Interactive Diagram](/diagrams/flow.html)"
	require.Equal(t, "Here is the flow.", SpokenText(answer))

	a := Parse(answer)
	require.True(t, a.HasDiagram)
	require.Equal(t, "/diagrams/flow.html", a.Link)
	require.Equal(t, "Here is the flow.  \n", a.Text)
}

func TestParseMarkerWithoutTarget(t *testing.T) {
	a := Parse("text [Open Interactive Diagram] trailing")
	require.True(t, a.HasDiagram)
	require.Empty(t, a.Link)
	require.Equal(t, "text", SpokenText("text [Open Interactive Diagram] trailing"))
}

func TestResolve(t *testing.T) {
	doc, err := Resolve("https://chat.example.test/static/", "diagrams/flow.html")
	require.NoError(t, err)
	require.Equal(t, "https://chat.example.test/static/diagrams/flow.html", doc.URL)
	require.True(t, doc.Embeddable)

	doc, err = Resolve("", "/diagram?id=7")
	require.NoError(t, err)
	require.Equal(t, "/diagram?id=7", doc.URL)
	require.False(t, doc.Embeddable)

	doc, err = Resolve("https://chat.example.test/", "https://other.test/a.PDF")
	require.NoError(t, err)
	require.Equal(t, "https://other.test/a.PDF", doc.URL)
	require.True(t, doc.Embeddable)
}

func TestPopupRender(t *testing.T) {
	p := NewPopup(config.Default().Diagram)
	p.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	var buf bytes.Buffer
	require.NoError(t, p.Render(&buf, "", ""))
	out := buf.String()
	require.Contains(t, out, "<title>Shield Value Service Flow</title>")
	require.Contains(t, out, "mermaid.min.js")
	require.Contains(t, out, "Client-&gt;&gt;Shield: /banner")
	require.Contains(t, out, "Generated on Sat, 01 Mar 2025 12:00:00 UTC")

	buf.Reset()
	require.NoError(t, p.Render(&buf, "Custom <b>", "graph TD; A-->B"))
	require.True(t, strings.Contains(buf.String(), "Custom &lt;b&gt;"))
}
