// Package diagram handles the interactive-diagram link embedded in bot
// answers and renders the standalone diagram popup page.
package diagram

import (
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode"
)

// Marker is the visible label of a diagram link inside an answer.
const Marker = "[Open Interactive Diagram]"

var linkPattern = regexp.MustCompile(`\[Open Interactive Diagram\]\(([^)]+)\)`)

// documentExtensions can be embedded directly instead of opened as a page.
var documentExtensions = map[string]struct{}{
	".html": {},
	".htm":  {},
	".pdf":  {},
	".svg":  {},
	".png":  {},
	".md":   {},
}

// Answer is a bot answer split around its diagram marker.
type Answer struct {
	Text       string
	Link       string
	HasDiagram bool
}

// Parse splits an answer at the first diagram marker. Text is everything
// before the marker, untrimmed. Link is empty when the marker carries no
// parenthesised target.
func Parse(answer string) Answer {
	idx := strings.Index(answer, Marker)
	if idx < 0 {
		return Answer{Text: answer}
	}
	out := Answer{Text: answer[:idx], HasDiagram: true}
	if m := linkPattern.FindStringSubmatch(answer); m != nil {
		out.Link = m[1]
	}
	return out
}

// SpokenText is what gets read aloud for an answer: the answer itself, or
// the text before the diagram marker without trailing whitespace.
func SpokenText(answer string) string {
	a := Parse(answer)
	if !a.HasDiagram {
		return answer
	}
	return strings.TrimRightFunc(a.Text, unicode.IsSpace)
}

// Document is a resolved diagram target.
type Document struct {
	URL        string
	Embeddable bool
}

// Resolve joins link against base (when link is relative and base is set)
// and flags targets whose extension is a known document type.
func Resolve(base, link string) (Document, error) {
	target, err := url.Parse(link)
	if err != nil {
		return Document{}, err
	}
	if base != "" && !target.IsAbs() {
		b, err := url.Parse(base)
		if err != nil {
			return Document{}, err
		}
		target = b.ResolveReference(target)
	}
	_, ok := documentExtensions[strings.ToLower(path.Ext(target.Path))]
	return Document{URL: target.String(), Embeddable: ok}, nil
}
