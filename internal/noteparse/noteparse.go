// Package noteparse provides the Parser Adapter described in §4.D: the
// sole surface the rest of the pipeline uses to turn Markdown bytes into a
// ParsedNote. The default implementation is backed by goldmark for block
// structure (headings, paragraphs) and a small amount of hand-written
// scanning for the wikilink/tag/frontmatter syntax that goldmark has no
// native notion of.
package noteparse

// Heading is one heading encountered in document order.
type Heading struct {
	Level  int
	Text   string
	Offset int
	ID     string
}

// Paragraph is one block of prose, the unit of Merkle leaf material.
type Paragraph struct {
	Text   string
	Offset int
}

// Wikilink is a single `[[target]]` / `[[target|alias]]` / `![[embed]]` /
// `[[target#heading]]` / `[[target#^block]]` reference.
type Wikilink struct {
	Target     string
	Alias      string
	Offset     int
	IsEmbed    bool
	HeadingRef string
	BlockRef   string
}

// Content groups the block-level structure of a note.
type Content struct {
	PlainText  string
	Headings   []Heading
	Paragraphs []Paragraph
}

// ParsedNote is the external data type §3 says this spec consumes rather
// than produces.
type ParsedNote struct {
	Path        string
	Content     Content
	Wikilinks   []Wikilink
	Tags        []string
	Frontmatter map[string]string
}

// Parser is the external interface the rest of the pipeline depends on.
// Implementations must be pure (no I/O beyond reading the given file, for
// ParseFile) and deterministic for a given input.
type Parser interface {
	ParseFile(path string) (*ParsedNote, error)
	ParseBytes(path string, content []byte) (*ParsedNote, error)
}
