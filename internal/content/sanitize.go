package content

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	// textEscaper escapes markdown text. Quotes are left alone; bodies are
	// never placed inside an attribute.
	textEscaper    = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	bracketEscaper = strings.NewReplacer("<", "&lt;", ">", "&gt;")
)

// StripMarkup returns the visible text of s with tags removed, script and
// style contents dropped and whitespace collapsed. Entity-encoded markup is
// decoded by the tokenizer, so angle brackets in the result are escaped
// again; ampersands stay literal so stripping twice changes nothing.
func StripMarkup(s string) string {
	tokenizer := html.NewTokenizerFragment(strings.NewReader(s), "body")
	var b strings.Builder
	skip := 0
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.StartTagToken:
			if name, _ := tokenizer.TagName(); isOpaque(name) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := tokenizer.TagName(); isOpaque(name) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(tokenizer.Text())
				b.WriteByte(' ')
			}
		}
	}
	text := strings.Join(strings.Fields(b.String()), " ")
	return bracketEscaper.Replace(text)
}

func isOpaque(name []byte) bool {
	switch atom.Lookup(name) {
	case atom.Script, atom.Style, atom.Iframe, atom.Noscript, atom.Template:
		return true
	}
	return false
}

const fence = "```"

// EscapeBody escapes HTML in a markdown body except inside fenced code
// blocks, which the renderer already treats as literal text. Entities are
// decoded before escaping, so a body read back and saved again is unchanged.
func EscapeBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\x00", "")
	lines := strings.SplitAfter(body, "\n")
	var b strings.Builder
	b.Grow(len(body))
	inFence := false
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimLeft(line, " "), fence) {
			inFence = !inFence
			b.WriteString(line)
			continue
		}
		if inFence {
			b.WriteString(line)
			continue
		}
		b.WriteString(textEscaper.Replace(html.UnescapeString(line)))
	}
	return b.String()
}
