package markdown

import (
	"bytes"
	"strings"

	"github.com/russross/blackfriday/v2"
)

// ExtractJSON returns the JSON payload of a model reply. Replies often wrap
// the object in a fenced code block, sometimes with prose around it. A block
// tagged json wins, then the first block that looks like JSON, then the
// outermost object or array of the raw text.
func ExtractJSON(reply string) (string, bool) {
	text := strings.TrimSpace(reply)
	if text == "" {
		return "", false
	}
	if looksLikeJSON(text) {
		return text, true
	}

	md := blackfriday.New(blackfriday.WithExtensions(blackfriday.CommonExtensions))
	root := md.Parse([]byte(text))

	var tagged, untagged string
	root.Walk(func(node *blackfriday.Node, entering bool) blackfriday.WalkStatus {
		if !entering || node.Type != blackfriday.CodeBlock {
			return blackfriday.GoToNext
		}
		body := string(bytes.TrimSpace(node.Literal))
		if !looksLikeJSON(body) {
			return blackfriday.GoToNext
		}
		info := strings.ToLower(strings.TrimSpace(string(node.CodeBlockData.Info)))
		if strings.HasPrefix(info, "json") {
			tagged = body
			return blackfriday.Terminate
		}
		if untagged == "" {
			untagged = body
		}
		return blackfriday.GoToNext
	})

	switch {
	case tagged != "":
		return tagged, true
	case untagged != "":
		return untagged, true
	}
	return outermost(text)
}

func looksLikeJSON(s string) bool {
	if len(s) < 2 {
		return false
	}
	first, last := s[0], s[len(s)-1]
	return (first == '{' && last == '}') || (first == '[' && last == ']')
}

func outermost(text string) (string, bool) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", false
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end <= start {
		return "", false
	}
	return text[start : end+1], true
}
