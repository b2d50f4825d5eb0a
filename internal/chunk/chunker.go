// Package chunk splits document text into overlapping, boundary-aware
// segments for embedding.
//
// Chunking is deterministic: identical text and options always produce
// identical chunk boundaries, which makes re-indexing an unchanged
// document idempotent.
package chunk

import "strings"

// Default chunking parameters.
const (
	// DefaultChunkSize is the window size in characters.
	DefaultChunkSize = 500

	// DefaultOverlap is the number of characters shared between
	// consecutive chunks.
	DefaultOverlap = 50

	// MinViableChunk is the size below which text is not worth splitting:
	// anything shorter becomes a single chunk.
	MinViableChunk = 100
)

// DefaultSeparators is the boundary preference order used when cutting a
// window: paragraph > line > sentence > clause > word.
var DefaultSeparators = []string{"\n\n", "\n", ". ", ", ", " "}

// Chunk is one contiguous piece of the source text.
type Chunk struct {
	// Index is the 0-based position of the chunk within its document.
	Index int
	// Text is the chunk's substring of the source.
	Text string
	// StartPos and EndPos are byte offsets into the source text
	// (half-open interval: Text == source[StartPos:EndPos]).
	StartPos int
	EndPos   int
	// TokenCount is a chars/4 estimate of the chunk's token count.
	TokenCount int
}

// Options configures a Chunker.
type Options struct {
	// ChunkSize is the window size in characters.
	ChunkSize int
	// Overlap is the number of characters shared with the previous chunk.
	Overlap int
	// Separators is the ordered list of preferred cut boundaries.
	Separators []string
}

// Chunker splits text into overlapping windows, preferring to cut at
// natural boundaries instead of mid-token.
type Chunker struct {
	opts Options
}

// New creates a Chunker, filling unset options with defaults.
func New(opts Options) *Chunker {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	} else if opts.Overlap == 0 {
		opts.Overlap = DefaultOverlap
	}
	if opts.Overlap >= opts.ChunkSize {
		opts.Overlap = opts.ChunkSize / 2
	}
	if len(opts.Separators) == 0 {
		opts.Separators = DefaultSeparators
	}
	return &Chunker{opts: opts}
}

// Options returns the effective chunking options.
func (c *Chunker) Options() Options {
	return c.opts
}

// Split chunks the given text. Consecutive chunk spans overlap by roughly
// Overlap characters and, ignoring overlap, cover the entire source text.
// Empty text yields no chunks; text shorter than MinViableChunk or the
// chunk size yields a single chunk.
func (c *Chunker) Split(text string) []Chunk {
	n := len(text)
	if n == 0 {
		return nil
	}
	if n <= c.opts.ChunkSize || n <= MinViableChunk {
		return []Chunk{makeChunk(0, text, 0, n)}
	}

	var chunks []Chunk
	start := 0
	for start < n {
		end := start + c.opts.ChunkSize
		if end >= n {
			end = n
		} else {
			end = c.cutAt(text, start, end)
		}

		chunks = append(chunks, makeChunk(len(chunks), text[start:end], start, end))

		if end >= n {
			break
		}
		next := end - c.opts.Overlap
		// Always advance by at least one character.
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// cutAt searches backward from the window end for the first preferred
// separator that still leaves at least half the window's content before
// it. Falls back to the hard window end when no boundary qualifies.
func (c *Chunker) cutAt(text string, start, end int) int {
	half := start + c.opts.ChunkSize/2
	window := text[start:end]

	for _, sep := range c.opts.Separators {
		idx := strings.LastIndex(window, sep)
		if idx < 0 {
			continue
		}
		cut := start + idx + len(sep)
		if cut > half {
			return cut
		}
	}
	return end
}

// EstimateTokens estimates the token count of text using the chars/4
// heuristic, rounding up.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func makeChunk(index int, text string, start, end int) Chunk {
	return Chunk{
		Index:      index,
		Text:       text,
		StartPos:   start,
		EndPos:     end,
		TokenCount: EstimateTokens(text),
	}
}
