// Package chunk splits normalized document text into overlapping
// segments sized for embedding-model input limits.
//
// Splitting is deterministic: the same text and configuration always
// produce the same chunk sequence. Sizes are measured in approximated
// embedding tokens (whitespace-delimited terms), not characters.
package chunk

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig indicates an unusable size/overlap combination.
// Rejected at construction time, before any document is accepted.
var ErrInvalidConfig = errors.New("invalid chunking configuration")

// Chunk is a contiguous text span derived from one document.
// Start and End are byte offsets into the source text; offsets across
// a document's chunk sequence are non-decreasing.
type Chunk struct {
	ID         string
	DocumentID string
	Ordinal    int
	Text       string
	Start      int
	End        int
	Tokens     int
	Metadata   map[string]string
}

// Splitter splits text into overlapping chunks. It prefers paragraph
// boundaries, falls back to sentence boundaries for oversized
// paragraphs, and hard-splits as a last resort.
//
// Splitter is immutable and safe for concurrent use.
type Splitter struct {
	size    int // maximum chunk length in tokens
	overlap int // tokens shared between consecutive chunks
}

// NewSplitter creates a Splitter with the given chunk size and overlap,
// both in tokens. Fails with ErrInvalidConfig when overlap >= size.
func NewSplitter(size, overlap int) (*Splitter, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfig, size)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: overlap must be non-negative, got %d", ErrInvalidConfig, overlap)
	}
	if overlap >= size {
		return nil, fmt.Errorf("%w: overlap (%d) must be smaller than chunk size (%d)",
			ErrInvalidConfig, overlap, size)
	}
	return &Splitter{size: size, overlap: overlap}, nil
}

// ChunkID returns the id of the ordinal-th chunk of docID. Ids are
// stable across re-ingestion so upserts replace rather than duplicate.
func ChunkID(docID string, ordinal int) string {
	return fmt.Sprintf("%s:%d", docID, ordinal)
}

// span marks a token's byte range within the source text.
type span struct {
	start, end int
}

// Split divides text into chunks for docID. Chunk IDs are derived from
// docID and the ordinal so that re-ingesting the same document replaces
// its entries instead of duplicating them. Metadata is copied onto
// every chunk.
func (s *Splitter) Split(docID, text string, metadata map[string]string) []Chunk {
	tokens, paraStarts, sentStarts := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	var chunks []Chunk
	start := 0
	for start < len(tokens) {
		end := s.cut(tokens, paraStarts, sentStarts, start)

		first, last := tokens[start], tokens[end-1]
		meta := make(map[string]string, len(metadata))
		for k, v := range metadata {
			meta[k] = v
		}

		ordinal := len(chunks)
		chunks = append(chunks, Chunk{
			ID:         ChunkID(docID, ordinal),
			DocumentID: docID,
			Ordinal:    ordinal,
			Text:       text[first.start:last.end],
			Start:      first.start,
			End:        last.end,
			Tokens:     end - start,
			Metadata:   meta,
		})

		if end == len(tokens) {
			break
		}

		// Step back by the overlap, always making forward progress.
		next := end - s.overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}

	return chunks
}

// cut chooses the end token index (exclusive) for the chunk starting at
// start. Preference order: first paragraph boundary inside the window,
// last sentence boundary inside the window, hard cut at the size limit.
// Every candidate must lie past the overlapped prefix so each chunk
// advances beyond the tokens it shares with its predecessor.
func (s *Splitter) cut(tokens []span, paraStarts, sentStarts map[int]bool, start int) int {
	floor := start + s.overlap // candidates must exceed this index
	limit := start + s.size
	if limit >= len(tokens) {
		limit = len(tokens)
		// The remainder fits unless a paragraph break splits it first.
		for i := floor + 1; i < limit; i++ {
			if paraStarts[i] {
				return i
			}
		}
		return limit
	}

	// Paragraph-first: cut at the first paragraph break in the window
	// so chunks do not straddle paragraphs smaller than the size limit.
	for i := floor + 1; i <= limit; i++ {
		if paraStarts[i] {
			return i
		}
	}

	// Oversized paragraph: back off to the last sentence boundary that
	// still leaves room for forward progress past the overlap.
	for i := limit; i > floor; i-- {
		if sentStarts[i] {
			return i
		}
	}

	// Hard split.
	return limit
}

// tokenize returns the token spans of text together with the token
// indices that begin a new paragraph (a blank line precedes them) and a
// new sentence (the previous token ends with a terminator).
func tokenize(text string) (tokens []span, paraStarts, sentStarts map[int]bool) {
	paraStarts = make(map[int]bool)
	sentStarts = make(map[int]bool)

	inToken := false
	tokenStart := 0
	flush := func(end int) {
		if !inToken {
			return
		}
		tokens = append(tokens, span{start: tokenStart, end: end})
		inToken = false
	}

	for i, r := range text {
		if isSpace(r) {
			flush(i)
			continue
		}
		if !inToken {
			if len(tokens) > 0 {
				gap := text[tokens[len(tokens)-1].end:i]
				if strings.Count(gap, "\n") >= 2 {
					paraStarts[len(tokens)] = true
				}
				if endsSentence(text[tokens[len(tokens)-1].start:tokens[len(tokens)-1].end]) {
					sentStarts[len(tokens)] = true
				}
			}
			inToken = true
			tokenStart = i
		}
	}
	flush(len(text))

	return tokens, paraStarts, sentStarts
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

// endsSentence reports whether a token terminates a sentence. Trailing
// quotes and brackets are ignored when checking the terminator.
func endsSentence(token string) bool {
	trimmed := strings.TrimRight(token, `"')]`+"`")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// CountTokens returns the approximated embedding-token count of text,
// using the same measurement as Split.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}
