package chunk

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestNewSplitter_Validation(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		overlap int
		wantErr bool
	}{
		{"valid", 100, 20, false},
		{"zero overlap", 100, 0, false},
		{"overlap equals size", 100, 100, true},
		{"overlap exceeds size", 100, 120, true},
		{"zero size", 0, 0, true},
		{"negative overlap", 100, -5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSplitter(tt.size, tt.overlap)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("NewSplitter(%d, %d) = %v, want ErrInvalidConfig", tt.size, tt.overlap, err)
				}
			} else if err != nil {
				t.Errorf("NewSplitter(%d, %d) = %v, want nil", tt.size, tt.overlap, err)
			}
		})
	}
}

func TestSplit_EmptyText(t *testing.T) {
	s := mustSplitter(t, 100, 20)
	if got := s.Split("doc", "", nil); got != nil {
		t.Errorf("Split(empty) = %v, want nil", got)
	}
	if got := s.Split("doc", "   \n\n \t ", nil); got != nil {
		t.Errorf("Split(whitespace) = %v, want nil", got)
	}
}

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	s := mustSplitter(t, 100, 20)
	text := "Just a handful of tokens here."

	chunks := s.Split("doc", text, map[string]string{"source": "test"})
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	c := chunks[0]
	if c.Text != text {
		t.Errorf("text = %q, want %q", c.Text, text)
	}
	if c.Ordinal != 0 || c.DocumentID != "doc" || c.ID != "doc:0" {
		t.Errorf("identity = %q/%q/%d", c.ID, c.DocumentID, c.Ordinal)
	}
	if c.Metadata["source"] != "test" {
		t.Errorf("metadata not carried: %v", c.Metadata)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	s := mustSplitter(t, 50, 10)
	text := manyParagraphs(8, 30)

	first := s.Split("doc", text, nil)
	for i := 0; i < 5; i++ {
		if got := s.Split("doc", text, nil); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d produced a different chunk sequence", i)
		}
	}
}

// Re-ingestion scenario from the chunking contract: a three-paragraph
// document at size 100 / overlap 20 yields at least three chunks, each
// within the token budget, with consecutive chunks sharing at least the
// overlap.
func TestSplit_ThreeParagraphScenario(t *testing.T) {
	s := mustSplitter(t, 100, 20)
	text := manyParagraphs(3, 40)

	chunks := s.Split("doc", text, nil)
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want >= 3", len(chunks))
	}
	for i, c := range chunks {
		if c.Tokens > 100 {
			t.Errorf("chunk %d has %d tokens, want <= 100", i, c.Tokens)
		}
	}
	for i := 1; i < len(chunks); i++ {
		shared := chunks[i-1].End - chunks[i].Start
		if shared <= 0 {
			t.Errorf("chunks %d/%d share no boundary text", i-1, i)
			continue
		}
		overlapTokens := CountTokens(text[chunks[i].Start:chunks[i-1].End])
		if overlapTokens < 20 {
			t.Errorf("chunks %d/%d share %d tokens, want >= 20", i-1, i, overlapTokens)
		}
	}
}

func TestSplit_OffsetsNonDecreasing(t *testing.T) {
	s := mustSplitter(t, 40, 8)
	text := manyParagraphs(6, 60)

	chunks := s.Split("doc", text, nil)
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Start < chunks[i-1].Start {
			t.Errorf("chunk %d start %d < previous start %d", i, chunks[i].Start, chunks[i-1].Start)
		}
	}
	for i, c := range chunks {
		if text[c.Start:c.End] != c.Text {
			t.Errorf("chunk %d text does not match its offsets", i)
		}
	}
}

// Concatenating chunk texts minus the overlapped prefixes must
// reconstruct the token stream of the source.
func TestSplit_RoundTrip(t *testing.T) {
	s := mustSplitter(t, 30, 6)
	text := manyParagraphs(5, 45)

	chunks := s.Split("doc", text, nil)
	if len(chunks) < 2 {
		t.Fatalf("want multiple chunks, got %d", len(chunks))
	}

	var rebuilt []string
	prevEnd := 0
	for _, c := range chunks {
		cut := c.Start
		if cut < prevEnd {
			cut = prevEnd // drop the overlapped prefix
		}
		rebuilt = append(rebuilt, strings.Fields(text[cut:c.End])...)
		prevEnd = c.End
	}

	if want := strings.Fields(text); !reflect.DeepEqual(rebuilt, want) {
		t.Errorf("round-trip mismatch: got %d tokens, want %d", len(rebuilt), len(want))
	}
}

func TestSplit_OversizedParagraphUsesSentences(t *testing.T) {
	s := mustSplitter(t, 20, 4)

	// One paragraph of 8 sentences, 5 tokens each: 40 tokens total.
	var b strings.Builder
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&b, "Sentence number %d has tokens. ", i)
	}
	text := strings.TrimSpace(b.String())

	chunks := s.Split("doc", text, nil)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want >= 2", len(chunks))
	}
	for i, c := range chunks {
		if c.Tokens > 20 {
			t.Errorf("chunk %d has %d tokens, want <= 20", i, c.Tokens)
		}
		if i < len(chunks)-1 && !strings.HasSuffix(c.Text, ".") {
			t.Errorf("chunk %d does not end on a sentence boundary: %q", i, c.Text)
		}
	}
}

func TestSplit_HardSplitWithoutBoundaries(t *testing.T) {
	s := mustSplitter(t, 10, 2)

	// 35 tokens, no punctuation, no paragraph breaks.
	text := strings.TrimSpace(strings.Repeat("token ", 35))

	chunks := s.Split("doc", text, nil)
	if len(chunks) < 4 {
		t.Fatalf("got %d chunks, want >= 4", len(chunks))
	}
	for i, c := range chunks {
		if c.Tokens > 10 {
			t.Errorf("chunk %d has %d tokens, want <= 10", i, c.Tokens)
		}
	}
	last := chunks[len(chunks)-1]
	if last.End != len(text) {
		t.Errorf("last chunk ends at %d, want %d", last.End, len(text))
	}
}

func TestSplit_MetadataIsolation(t *testing.T) {
	s := mustSplitter(t, 10, 2)
	meta := map[string]string{"source": "a"}

	chunks := s.Split("doc", strings.TrimSpace(strings.Repeat("word ", 30)), meta)
	if len(chunks) < 2 {
		t.Fatalf("want multiple chunks")
	}

	chunks[0].Metadata["source"] = "mutated"
	if chunks[1].Metadata["source"] != "a" {
		t.Error("chunks share a metadata map")
	}
	if meta["source"] != "a" {
		t.Error("caller metadata was mutated")
	}
}

func TestCountTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"one", 1},
		{"two tokens", 2},
		{"  padded   with\n\nwhitespace  ", 3},
	}
	for _, tt := range tests {
		if got := CountTokens(tt.text); got != tt.want {
			t.Errorf("CountTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func mustSplitter(t *testing.T, size, overlap int) *Splitter {
	t.Helper()
	s, err := NewSplitter(size, overlap)
	if err != nil {
		t.Fatalf("NewSplitter(%d, %d) = %v", size, overlap, err)
	}
	return s
}

// manyParagraphs builds n paragraphs of tokensEach tokens, separated by
// blank lines. Tokens are position-stamped so chunks are attributable.
func manyParagraphs(n, tokensEach int) string {
	var b strings.Builder
	for p := 0; p < n; p++ {
		if p > 0 {
			b.WriteString("\n\n")
		}
		for i := 0; i < tokensEach; i++ {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "p%dw%d", p, i)
		}
		b.WriteByte('.')
	}
	return b.String()
}
