package noteparse

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/kilnforge/kiln/internal/kilnerr"
)

// GoldmarkParser is the default Parser implementation, used unless the
// embedding application supplies its own.
type GoldmarkParser struct {
	md goldmark.Markdown
}

// NewGoldmarkParser constructs the default Parser.
func NewGoldmarkParser() *GoldmarkParser {
	return &GoldmarkParser{md: goldmark.New()}
}

// ParseFile reads path and delegates to ParseBytes.
func (p *GoldmarkParser) ParseFile(path string) (*ParsedNote, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is caller-controlled (changed-file set from the scanner)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kilnerr.ErrFileNotFound, err)
	}
	return p.ParseBytes(path, data)
}

// ParseBytes parses content with no filesystem access.
func (p *GoldmarkParser) ParseBytes(path string, content []byte) (*ParsedNote, error) {
	frontmatter, body, bodyOffset, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	reader := text.NewReader(body)
	doc := p.md.Parser().Parse(reader)

	note := &ParsedNote{
		Path:        path,
		Frontmatter: frontmatter,
	}

	var plain strings.Builder

	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindHeading:
			h := n.(*ast.Heading)
			txt, offset := linesText(h, body)
			plain.WriteString(txt)
			plain.WriteString("\n")
			note.Content.Headings = append(note.Content.Headings, Heading{
				Level:  h.Level,
				Text:   txt,
				Offset: offset + bodyOffset,
				ID:     slugify(txt),
			})
			return ast.WalkSkipChildren, nil
		case ast.KindParagraph:
			para := n.(*ast.Paragraph)
			txt, offset := linesText(para, body)
			plain.WriteString(txt)
			plain.WriteString("\n")
			note.Content.Paragraphs = append(note.Content.Paragraphs, Paragraph{
				Text:   txt,
				Offset: offset + bodyOffset,
			})
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kilnerr.ErrInvalidMarkdown, err)
	}

	note.Content.PlainText = plain.String()
	note.Wikilinks = extractWikilinks(body, bodyOffset)
	note.Tags = extractTags(note.Content.Paragraphs)

	return note, nil
}

// linesText concatenates a block node's source lines into a single
// normalized-ish string (newlines folded to spaces) and returns the byte
// offset of its first line within body.
func linesText(n ast.Node, source []byte) (string, int) {
	lines := n.Lines()
	if lines.Len() == 0 {
		return "", 0
	}
	var b strings.Builder
	first := lines.At(0)
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		if i > 0 {
			b.WriteByte(' ')
		}
		b.Write(seg.Value(source))
	}
	return strings.TrimSpace(b.String()), first.Start
}

var frontmatterDelim = []byte("---")

// splitFrontmatter peels off a leading `---\n ... \n---` YAML-ish block.
// goldmark has no native frontmatter notion (that requires an extension
// this pack does not carry), so frontmatter is parsed by hand as simple
// `key: value` lines — sufficient for the tag/alias metadata kiln notes
// typically carry, and consistent with §3's frontmatter being an optional,
// loosely-typed map.
func splitFrontmatter(content []byte) (map[string]string, []byte, int, error) {
	if !strings.HasPrefix(string(content), "---\n") && !strings.HasPrefix(string(content), "---\r\n") {
		return nil, content, 0, nil
	}

	rest := content[len(frontmatterDelim):]
	rest = trimLeadingNewline(rest)
	closeIdx := indexClosingDelim(rest)
	if closeIdx < 0 {
		return nil, nil, 0, kilnerr.ErrMalformedFrontmatter
	}

	raw := rest[:closeIdx]
	fm := make(map[string]string)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fm[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"'`)
	}

	// body starts after the closing "---" line.
	afterDelim := rest[closeIdx:]
	body := trimLeadingNewline(afterDelim[len(frontmatterDelim):])
	bodyStart := len(content) - len(body)

	return fm, body, bodyStart, nil
}

func trimLeadingNewline(b []byte) []byte {
	if len(b) > 0 && b[0] == '\r' {
		b = b[1:]
	}
	if len(b) > 0 && b[0] == '\n' {
		b = b[1:]
	}
	return b
}

// indexClosingDelim finds the offset of a line consisting solely of "---"
// within b, or -1 if none exists.
func indexClosingDelim(b []byte) int {
	lines := strings.Split(string(b), "\n")
	offset := 0
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == "---" {
			return offset
		}
		offset += len(line) + 1
	}
	return -1
}

// wikilinkPattern matches `[[target]]`, `[[target|alias]]`,
// `[[target#heading]]`, `[[target#^block]]`, and their `![[...]]` embed
// forms. Goldmark has no native concept of this syntax (it is an
// Obsidian/kiln convention, not CommonMark), so it is extracted directly
// from the source bytes rather than from the AST.
var wikilinkPattern = regexp.MustCompile(`(!?)\[\[([^\]|#]+?)(?:#(\^?[^\]|]+))?(?:\|([^\]]+))?\]\]`)

func extractWikilinks(source []byte, baseOffset int) []Wikilink {
	matches := wikilinkPattern.FindAllSubmatchIndex(source, -1)
	links := make([]Wikilink, 0, len(matches))
	for _, m := range matches {
		isEmbed := m[3] > m[2]
		target := strings.TrimSpace(string(source[m[4]:m[5]]))

		var headingRef, blockRef string
		if m[6] >= 0 {
			ref := string(source[m[6]:m[7]])
			if strings.HasPrefix(ref, "^") {
				blockRef = strings.TrimPrefix(ref, "^")
			} else {
				headingRef = ref
			}
		}

		var alias string
		if m[8] >= 0 {
			alias = strings.TrimSpace(string(source[m[8]:m[9]]))
		}

		links = append(links, Wikilink{
			Target:     target,
			Alias:      alias,
			Offset:     m[0] + baseOffset,
			IsEmbed:    isEmbed,
			HeadingRef: headingRef,
			BlockRef:   blockRef,
		})
	}
	return links
}

// tagPattern matches `#tag/path` tokens preceded by whitespace or the start
// of the string, so that ATX heading markers ("## Heading") are never
// mistaken for tags — tags are only looked for inside paragraph text,
// never heading text, which rules out that ambiguity at the source.
var tagPattern = regexp.MustCompile(`(?:^|\s)#([A-Za-z0-9_/-]+)`)

func extractTags(paragraphs []Paragraph) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, p := range paragraphs {
		for _, m := range tagPattern.FindAllStringSubmatch(p.Text, -1) {
			tag := m[1]
			if !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
