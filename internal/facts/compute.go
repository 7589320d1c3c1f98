// Package facts memoizes values derived from immutable events: thread
// position, link preview eligibility and mention counts.
package facts

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"nostr-sync/internal/nostr"
	"nostr-sync/internal/types"
)

// Facts are computed once per event id and never change
type Facts struct {
	IsReply    bool   `json:"isReply"`
	RootID     string `json:"rootId,omitempty"`
	ReplyID    string `json:"replyId,omitempty"`
	PreviewURL string `json:"previewUrl,omitempty"` // first http(s) link worth a preview
	Mentions   int    `json:"mentions"`             // nostr: entities referenced in content
}

// PreviewEligible reports whether the note links to a page that can be previewed
func (f Facts) PreviewEligible() bool { return f.PreviewURL != "" }

// Media links are rendered inline and never get a preview card
var mediaExtRegex = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|webp|mp4|webm|mov|m4v|mp3|wav|ogg|flac|m4a|aac)$`)

var youtubeRegex = regexp.MustCompile(`(?i)(?:youtube\.com/watch\?v=|youtu\.be/|youtube\.com/shorts/)([a-zA-Z0-9_-]{11})`)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Linkify))

// Compute derives the facts of evt. It touches neither the network nor the store.
func Compute(evt *types.Event) Facts {
	thread := nostr.ParseThread(evt)
	return Facts{
		IsReply:    thread.IsReply(),
		RootID:     thread.Root,
		ReplyID:    thread.Reply,
		PreviewURL: previewURL(evt.Content),
		Mentions:   len(nostr.ContentMentions(evt.Content)),
	}
}

// previewURL walks the content as markdown so links inside code spans and
// code blocks are not picked up.
func previewURL(content string) string {
	if !strings.Contains(content, "http") {
		return ""
	}
	src := []byte(content)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var found string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		var dest string
		switch node := n.(type) {
		case *ast.CodeSpan, *ast.CodeBlock, *ast.FencedCodeBlock:
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			dest = string(node.URL(src))
		case *ast.Link:
			dest = string(node.Destination)
		default:
			return ast.WalkContinue, nil
		}
		if previewable(dest) {
			found = dest
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return found
}

func previewable(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if mediaExtRegex.MatchString(u.Path) {
		return false
	}
	return !youtubeRegex.MatchString(raw)
}
