package content

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestHTMLToText(t *testing.T) {
	t.Run("strips markup and chrome", func(t *testing.T) {
		src := `<html><head>
			<script>var tracked = true;</script>
			<style>.hidden { display: none; }</style>
		</head><body>
			<nav>Home | About | Contact</nav>
			<h1>Acme Holdings</h1>
			<p>First paragraph about the company.</p>
			<p>Second   paragraph with <b>bold</b> text.</p>
			<footer>Copyright 2024</footer>
		</body></html>`

		text := HTMLToText(src)

		assert.Contains(t, text, "Acme Holdings")
		assert.Contains(t, text, "First paragraph about the company.")
		assert.Contains(t, text, "Second paragraph with bold text.")
		assert.NotContains(t, text, "var tracked")
		assert.NotContains(t, text, "display: none")
		assert.NotContains(t, text, "Home | About")
		assert.NotContains(t, text, "Copyright 2024")
	})

	t.Run("preserves paragraph breaks without runs of blank lines", func(t *testing.T) {
		src := `<body><div><p>one</p></div><div></div><div></div><div><p>two</p></div></body>`

		text := HTMLToText(src)

		assert.Contains(t, text, "one")
		assert.Contains(t, text, "two")
		assert.NotContains(t, text, "\n\n\n")
	})

	t.Run("decodes entities", func(t *testing.T) {
		text := HTMLToText(`<p>Caf&eacute; &amp; bar</p>`)
		assert.Equal(t, "Café & bar", text)
	})

	t.Run("plain text passes through", func(t *testing.T) {
		assert.Equal(t, "just plain words", HTMLToText("just plain words"))
	})

	t.Run("list items become lines", func(t *testing.T) {
		text := HTMLToText(`<ul><li>alpha</li><li>beta</li></ul>`)
		assert.Contains(t, text, "alpha")
		assert.Contains(t, text, "beta")
		assert.NotEqual(t, "alpha beta", text)
	})
}

func TestSnippetFrom(t *testing.T) {
	t.Run("short content is returned whole", func(t *testing.T) {
		assert.Equal(t, "a short extract", snippetFrom("a short extract"))
	})

	t.Run("whitespace collapses", func(t *testing.T) {
		assert.Equal(t, "line one line two", snippetFrom("line one\n\n\tline   two"))
	})

	t.Run("long content cuts at a word boundary", func(t *testing.T) {
		long := strings.Repeat("lorem ipsum dolor ", 40)
		snippet := snippetFrom(long)

		assert.True(t, strings.HasSuffix(snippet, "..."))
		assert.LessOrEqual(t, utf8.RuneCountInString(snippet), snippetRunes+3)
		// The cut lands on a space, never mid-word.
		trimmed := strings.TrimSuffix(snippet, "...")
		assert.True(t, strings.HasSuffix(trimmed, "lorem") ||
			strings.HasSuffix(trimmed, "ipsum") ||
			strings.HasSuffix(trimmed, "dolor"))
	})

	t.Run("empty content yields empty snippet", func(t *testing.T) {
		assert.Equal(t, "", snippetFrom(""))
		assert.Equal(t, "", snippetFrom("   \n\t  "))
	})
}
