package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripMarkup(t *testing.T) {
	cases := map[string]string{
		"Plain title":                          "Plain title",
		"<b>Bold</b>   move":                   "Bold move",
		"<script>alert(1)</script>Safe":        "Safe",
		"Fish &amp; chips":                     "Fish & chips",
		"<img src=x onerror=alert(1)>Caption": "Caption",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripMarkup(in), in)
	}
}

func TestEscapeBodyKeepsFences(t *testing.T) {
	body := "Intro <script>x</script>\r\n```html\n<div>kept</div>\n```\nAfter & done"
	want := "Intro &lt;script&gt;x&lt;/script&gt;\n```html\n<div>kept</div>\n```\nAfter &amp; done"
	assert.Equal(t, want, EscapeBody(body))
}

func TestEscapeBodyIsStable(t *testing.T) {
	bodies := []string{
		"if a < b && c > d",
		"Tom &amp; Jerry &lt;3 &copy; 2026",
		"Quote \"this\" and 'that'\n```\nx := a < b\n```\n<i>tail</i>",
	}
	for _, body := range bodies {
		once := EscapeBody(body)
		assert.Equal(t, once, EscapeBody(once), body)
	}
	assert.Equal(t, "if a &lt; b &amp;&amp; c &gt; d", EscapeBody("if a < b && c > d"))
	assert.Equal(t, `say "hi" it's`, EscapeBody(`say "hi" it's`))
}

func TestStripMarkupKeepsEncodedTagsInert(t *testing.T) {
	cases := map[string]string{
		"&lt;img src=x onerror=alert(1)&gt; hi": "&lt;img src=x onerror=alert(1)&gt; hi",
		"&lt;script&gt;alert(1)&lt;/script&gt;": "&lt;script&gt;alert(1)&lt;/script&gt;",
		"a < b":                                 "a &lt; b",
		"&amp;lt;b&amp;gt; double":              "&lt;b&gt; double",
	}
	for in, want := range cases {
		got := StripMarkup(in)
		assert.Equal(t, want, got, in)
		assert.NotContains(t, got, "<", in)
		assert.Equal(t, got, StripMarkup(got), in)
	}
}
