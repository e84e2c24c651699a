package parser

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

const defaultChunkSize = 1000

// Splitter cuts page text into overlapping chunks of at most Size characters,
// breaking on paragraphs first, then lines, then words.
type Splitter struct {
	splitter textsplitter.RecursiveCharacter
}

// NewSplitter returns a splitter for chunks of size characters sharing up to
// overlap characters. An overlap that is not smaller than size is cut to a
// fifth of it.
func NewSplitter(size, overlap int) Splitter {
	if size <= 0 {
		size = defaultChunkSize
	}
	overlap = max(overlap, 0)
	if overlap >= size {
		overlap = size / 5
	}
	return Splitter{splitter: textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(overlap),
	)}
}

// Split returns the non-blank chunks of content in order.
func (s Splitter) Split(content string) ([]string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil
	}
	segments, err := s.splitter.SplitText(content)
	if err != nil {
		return nil, fmt.Errorf("failed to split text: %w", err)
	}
	chunks := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg = strings.TrimSpace(seg); seg != "" {
			chunks = append(chunks, seg)
		}
	}
	return chunks, nil
}
