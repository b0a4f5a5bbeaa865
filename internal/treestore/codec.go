package treestore

import (
	"encoding/binary"
	"fmt"

	"github.com/kilnforge/kiln"
	"github.com/kilnforge/kiln/internal/kilnerr"
	"github.com/kilnforge/kiln/internal/merkle"
)

// sectionDataVersion is the current SectionNode binary envelope version.
// decodeSection rejects any other version (§4.F: "deserialize
// with version check (mismatch -> fail with a clear error)").
const sectionDataVersion uint32 = 1

// encodeSection serializes a SectionNode as a versioned envelope:
// {version: u32, data: SectionNode}. All multi-byte integers are
// big-endian, following the same fixed-field-then-length-prefixed-string
// layout as a binary index format.
func encodeSection(s merkle.SectionNode) []byte {
	headingLevel := uint32(0)
	var headingText []byte
	hasHeading := uint8(0)
	if s.Heading != nil {
		hasHeading = 1
		headingLevel = uint32(s.Heading.Level)
		headingText = []byte(s.Heading.Text)
	}

	size := 4 + 1 + 4 + 4 + len(headingText) + 4 + 4 + 16 + 16 + 4 + len(s.BinaryTree.Leaves)*16
	buf := make([]byte, 0, size)
	buf = appendUint32(buf, sectionDataVersion)
	buf = append(buf, hasHeading)
	buf = appendUint32(buf, headingLevel)
	buf = appendUint32(buf, uint32(len(headingText)))
	buf = append(buf, headingText...)
	buf = appendUint32(buf, uint32(s.Depth))
	buf = appendUint32(buf, uint32(s.BlockCount))
	buf = append(buf, s.SectionHash[:]...)
	buf = append(buf, s.BinaryTree.RootHash[:]...)
	buf = appendUint32(buf, uint32(len(s.BinaryTree.Leaves)))
	for _, leaf := range s.BinaryTree.Leaves {
		buf = append(buf, leaf[:]...)
	}
	return buf
}

// decodeSection is the inverse of encodeSection.
func decodeSection(data []byte) (merkle.SectionNode, error) {
	var s merkle.SectionNode
	r := &byteReader{data: data}

	version, err := r.uint32()
	if err != nil {
		return s, fmt.Errorf("%w: %w", kilnerr.ErrCorruptedData, err)
	}
	if version != sectionDataVersion {
		return s, fmt.Errorf("%w: got version %d, want %d", kilnerr.ErrUnsupportedFormatVersion, version, sectionDataVersion)
	}

	hasHeading, err := r.byte()
	if err != nil {
		return s, fmt.Errorf("%w: %w", kilnerr.ErrCorruptedData, err)
	}
	headingLevel, err := r.uint32()
	if err != nil {
		return s, fmt.Errorf("%w: %w", kilnerr.ErrCorruptedData, err)
	}
	headingTextLen, err := r.uint32()
	if err != nil {
		return s, fmt.Errorf("%w: %w", kilnerr.ErrCorruptedData, err)
	}
	headingText, err := r.bytes(int(headingTextLen))
	if err != nil {
		return s, fmt.Errorf("%w: %w", kilnerr.ErrCorruptedData, err)
	}
	if hasHeading == 1 {
		s.Heading = &merkle.HeadingRef{Level: int(headingLevel), Text: string(headingText)}
	}

	depth, err := r.uint32()
	if err != nil {
		return s, fmt.Errorf("%w: %w", kilnerr.ErrCorruptedData, err)
	}
	s.Depth = int(depth)

	blockCount, err := r.uint32()
	if err != nil {
		return s, fmt.Errorf("%w: %w", kilnerr.ErrCorruptedData, err)
	}
	s.BlockCount = int(blockCount)

	sectionHash, err := r.bytes(16)
	if err != nil {
		return s, fmt.Errorf("%w: %w", kilnerr.ErrCorruptedData, err)
	}
	copy(s.SectionHash[:], sectionHash)

	rootHash, err := r.bytes(16)
	if err != nil {
		return s, fmt.Errorf("%w: %w", kilnerr.ErrCorruptedData, err)
	}
	copy(s.BinaryTree.RootHash[:], rootHash)

	leafCount, err := r.uint32()
	if err != nil {
		return s, fmt.Errorf("%w: %w", kilnerr.ErrCorruptedData, err)
	}
	s.BinaryTree.Leaves = make([]kiln.NodeHash, leafCount)
	for i := range s.BinaryTree.Leaves {
		leaf, err := r.bytes(16)
		if err != nil {
			return s, fmt.Errorf("%w: %w", kilnerr.ErrCorruptedData, err)
		}
		copy(s.BinaryTree.Leaves[i][:], leaf)
	}

	return s, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// byteReader is a minimal sequential cursor over a byte slice, used instead
// of bytes.Reader so every short-read produces the same corrupted-data
// sentinel rather than io.ErrUnexpectedEOF leaking through.
type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *byteReader) byte() (uint8, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, fmt.Errorf("unexpected end of section data: need %d bytes, have %d", n, len(r.data)-r.pos)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}
