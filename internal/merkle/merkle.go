// Package merkle implements the Hybrid Merkle Builder (§4.E): from a
// ParsedNote, it constructs a two-level tree — heading-delimited sections,
// each holding a classical bottom-up binary Merkle tree over normalized
// paragraph hashes — plus an optional read-time virtualization layer for
// documents with many sections.
package merkle

import (
	"strings"
	"unicode"

	"github.com/zeebo/blake3"

	"github.com/kilnforge/kiln"
	"github.com/kilnforge/kiln/internal/noteparse"
)

// HeadingRef identifies the heading that introduced a section. Nil for the
// synthetic root/prologue section.
type HeadingRef struct {
	Text  string
	Level int
}

// BinaryTree is a classical bottom-up Merkle tree over a section's leaf
// block hashes.
type BinaryTree struct {
	Leaves   []kiln.NodeHash
	RootHash kiln.NodeHash
}

// SectionNode is a contiguous run of blocks under a single heading (or the
// document prologue).
type SectionNode struct {
	Heading     *HeadingRef
	Depth       int
	BlockCount  int
	BinaryTree  BinaryTree
	SectionHash kiln.NodeHash
}

// VirtualSection aggregates a contiguous range of sections for fast
// read-time indexing of very large documents. It never affects RootHash.
type VirtualSection struct {
	Hash           kiln.NodeHash
	PrimaryHeading *HeadingRef
	MinDepth       int
	MaxDepth       int
	SectionCount   int
	TotalBlocks    int
	StartIndex     int
	EndIndex       int // exclusive
}

// HybridMerkleTree is the builder's output.
type HybridMerkleTree struct {
	RootHash        kiln.NodeHash
	Sections        []SectionNode
	TotalBlocks     int
	IsVirtualized   bool
	VirtualSections []VirtualSection
}

// Options configures virtualization thresholds; zero values take the
// specification defaults (64 sections / groups of 16).
type Options struct {
	VirtualizationThreshold int
	VirtualGroupSize        int
}

func (o Options) withDefaults() Options {
	if o.VirtualizationThreshold <= 0 {
		o.VirtualizationThreshold = 64
	}
	if o.VirtualGroupSize <= 0 {
		o.VirtualGroupSize = 16
	}
	return o
}

// blockItem is a heading or paragraph, tagged with its source offset so the
// two slices on ParsedNote.Content can be merged back into document order.
type blockItem struct {
	offset  int
	heading *noteparse.Heading
	para    *noteparse.Paragraph
}

// Build constructs a HybridMerkleTree from note, walking headings and
// paragraphs in document order.
func Build(note *noteparse.ParsedNote, opts Options) *HybridMerkleTree {
	opts = opts.withDefaults()
	items := mergeInOrder(note)

	var sections []SectionNode
	cur := newSectionBuilder(nil, 0)

	for _, it := range items {
		if it.heading != nil {
			sections = append(sections, cur.build())
			cur = newSectionBuilder(&HeadingRef{Text: it.heading.Text, Level: it.heading.Level}, it.heading.Level)
			continue
		}
		cur.addBlock(it.para.Text)
	}
	sections = append(sections, cur.build())

	tree := &HybridMerkleTree{Sections: sections}
	for _, s := range sections {
		tree.TotalBlocks += s.BlockCount
	}
	tree.RootHash = foldSectionHashes(sections)

	if len(sections) > opts.VirtualizationThreshold {
		tree.IsVirtualized = true
		tree.VirtualSections = virtualize(sections, opts.VirtualGroupSize)
	}

	return tree
}

// mergeInOrder interleaves headings and paragraphs by source offset.
func mergeInOrder(note *noteparse.ParsedNote) []blockItem {
	items := make([]blockItem, 0, len(note.Content.Headings)+len(note.Content.Paragraphs))
	for i := range note.Content.Headings {
		h := &note.Content.Headings[i]
		items = append(items, blockItem{offset: h.Offset, heading: h})
	}
	for i := range note.Content.Paragraphs {
		p := &note.Content.Paragraphs[i]
		items = append(items, blockItem{offset: p.Offset, para: p})
	}
	// Stable sort by offset so that, for equal offsets (shouldn't normally
	// occur), headings and paragraphs preserve their original relative
	// order rather than depending on sort's pivoting.
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].offset < items[j-1].offset; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
	return items
}

type sectionBuilder struct {
	heading *HeadingRef
	depth   int
	leaves  []kiln.NodeHash
}

func newSectionBuilder(h *HeadingRef, depth int) *sectionBuilder {
	return &sectionBuilder{heading: h, depth: depth}
}

func (b *sectionBuilder) addBlock(text string) {
	b.leaves = append(b.leaves, hashBlock(text))
}

func (b *sectionBuilder) build() SectionNode {
	bt := BinaryTree{Leaves: b.leaves, RootHash: buildBinaryRoot(b.leaves)}
	return SectionNode{
		Heading:     b.heading,
		Depth:       b.depth,
		BlockCount:  len(b.leaves),
		BinaryTree:  bt,
		SectionHash: hashNodes(headingDigest(b.heading), bt.RootHash),
	}
}

// hashBytes16 returns the first 16 bytes of the BLAKE3-256 digest of data.
// BLAKE3's extendable output is a prefix-consistent stream, so truncating
// the standard 32-byte digest is equivalent to taking the first 16 bytes of
// the underlying XOF; it is not a weaker ad hoc construction.
func hashBytes16(data []byte) kiln.NodeHash {
	h := blake3.New()
	_, _ = h.Write(data)
	sum := h.Sum(nil)
	var n kiln.NodeHash
	copy(n[:], sum[:16])
	return n
}

// hashNodes combines two node hashes into their parent hash.
func hashNodes(a, b kiln.NodeHash) kiln.NodeHash {
	buf := make([]byte, 0, 32)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return hashBytes16(buf)
}

// normalizeBlockText collapses runs of whitespace to a single space and
// trims the result, so that reformatting that preserves visible content
// produces an identical block hash.
func normalizeBlockText(s string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			lastSpace = true
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(b.String())
}

func hashBlock(text string) kiln.NodeHash {
	return hashBytes16([]byte(normalizeBlockText(text)))
}

// headingDigest hashes the heading's level byte concatenated with its raw
// text. The synthetic root/prologue section (heading == nil) has no
// heading to hash, so its digest is the all-zero NodeHash rather than a
// computed value.
func headingDigest(h *HeadingRef) kiln.NodeHash {
	if h == nil {
		return kiln.NodeHash{}
	}
	buf := make([]byte, 0, 1+len(h.Text))
	buf = append(buf, byte(h.Level))
	buf = append(buf, []byte(h.Text)...)
	return hashBytes16(buf)
}

// buildBinaryRoot builds a classical bottom-up Merkle tree over leaves and
// returns its root. An odd node at any level is carried up by duplication.
// An empty leaf set (a heading with no following paragraphs) yields the
// hash of the empty byte string, a real, reproducible digest rather than a
// bare zero sentinel.
func buildBinaryRoot(leaves []kiln.NodeHash) kiln.NodeHash {
	if len(leaves) == 0 {
		return hashBytes16(nil)
	}
	level := leaves
	for len(level) > 1 {
		next := make([]kiln.NodeHash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashNodes(level[i], level[i+1]))
			} else {
				next = append(next, hashNodes(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

// foldSectionHashes combines section hashes left-to-right into the tree's
// root. Reordering sections changes this fold even when no section's own
// content changed — §9's second open question confirms this is intended.
func foldSectionHashes(sections []SectionNode) kiln.NodeHash {
	if len(sections) == 0 {
		return hashBytes16(nil)
	}
	acc := sections[0].SectionHash
	for _, s := range sections[1:] {
		acc = hashNodes(acc, s.SectionHash)
	}
	return acc
}

// virtualize partitions sections into contiguous groups of target size
// (the last group may be smaller) and aggregates each into a
// VirtualSection. It never changes RootHash: virtualization is purely a
// read-time index over the already-computed sections.
func virtualize(sections []SectionNode, groupSize int) []VirtualSection {
	var groups []VirtualSection
	for start := 0; start < len(sections); start += groupSize {
		end := start + groupSize
		if end > len(sections) {
			end = len(sections)
		}
		groups = append(groups, aggregateGroup(sections, start, end))
	}
	return groups
}

func aggregateGroup(sections []SectionNode, start, end int) VirtualSection {
	group := sections[start:end]
	acc := group[0].SectionHash
	for _, s := range group[1:] {
		acc = hashNodes(acc, s.SectionHash)
	}

	vs := VirtualSection{
		Hash:         acc,
		MinDepth:     group[0].Depth,
		MaxDepth:     group[0].Depth,
		StartIndex:   start,
		EndIndex:     end,
		SectionCount: len(group),
	}
	for _, s := range group {
		if s.Depth < vs.MinDepth {
			vs.MinDepth = s.Depth
		}
		if s.Depth > vs.MaxDepth {
			vs.MaxDepth = s.Depth
		}
		vs.TotalBlocks += s.BlockCount
	}
	// primary_heading is the first section in the group at the group's
	// minimum depth.
	for _, s := range group {
		if s.Depth == vs.MinDepth && s.Heading != nil {
			vs.PrimaryHeading = s.Heading
			break
		}
	}
	return vs
}
