package noteparse

import "testing"

func TestParseBytes_HeadingsAndParagraphs(t *testing.T) {
	p := NewGoldmarkParser()
	src := []byte("Intro paragraph.\n\n## Section One\n\nFirst body line.\n\nSecond body line.\n")

	note, err := p.ParseBytes("a.md", src)
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if len(note.Content.Headings) != 1 {
		t.Fatalf("expected 1 heading, got %d", len(note.Content.Headings))
	}
	if note.Content.Headings[0].Level != 2 || note.Content.Headings[0].Text != "Section One" {
		t.Errorf("unexpected heading: %+v", note.Content.Headings[0])
	}
	if len(note.Content.Paragraphs) != 3 {
		t.Fatalf("expected 3 paragraphs, got %d: %+v", len(note.Content.Paragraphs), note.Content.Paragraphs)
	}
}

func TestParseBytes_Wikilinks(t *testing.T) {
	p := NewGoldmarkParser()
	src := []byte("See [[Other Note]] and [[Other Note|aliased]] plus ![[Embedded]] " +
		"and [[Other Note#Heading]] and [[Other Note#^blockid]].\n")

	note, err := p.ParseBytes("a.md", src)
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if len(note.Wikilinks) != 5 {
		t.Fatalf("expected 5 wikilinks, got %d: %+v", len(note.Wikilinks), note.Wikilinks)
	}
	if note.Wikilinks[1].Alias != "aliased" {
		t.Errorf("expected alias, got %+v", note.Wikilinks[1])
	}
	if !note.Wikilinks[2].IsEmbed {
		t.Errorf("expected embed flag, got %+v", note.Wikilinks[2])
	}
	if note.Wikilinks[3].HeadingRef != "Heading" {
		t.Errorf("expected heading ref, got %+v", note.Wikilinks[3])
	}
	if note.Wikilinks[4].BlockRef != "blockid" {
		t.Errorf("expected block ref, got %+v", note.Wikilinks[4])
	}
}

func TestParseBytes_Frontmatter(t *testing.T) {
	p := NewGoldmarkParser()
	src := []byte("---\ntitle: My Note\ntags: a, b\n---\n\nBody paragraph.\n")

	note, err := p.ParseBytes("a.md", src)
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if note.Frontmatter["title"] != "My Note" {
		t.Errorf("expected frontmatter title, got %+v", note.Frontmatter)
	}
	if len(note.Content.Paragraphs) != 1 || note.Content.Paragraphs[0].Text != "Body paragraph." {
		t.Errorf("unexpected body: %+v", note.Content.Paragraphs)
	}
}

func TestParseBytes_MalformedFrontmatter(t *testing.T) {
	p := NewGoldmarkParser()
	src := []byte("---\ntitle: unterminated\n")

	_, err := p.ParseBytes("a.md", src)
	if err == nil {
		t.Fatal("expected malformed frontmatter error")
	}
}

func TestParseBytes_Tags(t *testing.T) {
	p := NewGoldmarkParser()
	src := []byte("A paragraph about #golang and #golang/testing topics.\n")

	note, err := p.ParseBytes("a.md", src)
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if len(note.Tags) != 2 {
		t.Fatalf("expected 2 tags, got %+v", note.Tags)
	}
}
