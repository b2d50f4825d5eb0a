package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunker_EmptyTextYieldsNoChunks(t *testing.T) {
	c := New(Options{})
	assert.Empty(t, c.Split(""))
}

func TestChunker_ShortTextYieldsSingleChunk(t *testing.T) {
	c := New(Options{})
	text := "A short note that fits in one chunk."

	chunks := c.Split(text)

	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 0, chunks[0].StartPos)
	assert.Equal(t, len(text), chunks[0].EndPos)
	assert.Equal(t, (len(text)+3)/4, chunks[0].TokenCount)
}

func TestChunker_PositionsMatchSourceText(t *testing.T) {
	// Given: a long multi-paragraph text
	c := New(Options{ChunkSize: 200, Overlap: 30})
	var b strings.Builder
	for i := 0; i < 20; i++ {
		b.WriteString("This paragraph talks about topic number one and carries on for a while.\n\n")
	}
	text := b.String()

	// When: I split it
	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)

	// Then: every chunk's text is exactly its span in the source
	for _, ch := range chunks {
		assert.Equal(t, text[ch.StartPos:ch.EndPos], ch.Text)
	}
}

func TestChunker_ConsecutiveChunksOverlap(t *testing.T) {
	c := New(Options{ChunkSize: 200, Overlap: 30})
	text := strings.Repeat("Sentence ending with a period. ", 40)

	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		assert.Less(t, cur.StartPos, prev.EndPos,
			"chunk %d should start before chunk %d ends", i, i-1)
		assert.Greater(t, cur.StartPos, prev.StartPos, "chunks must advance")
	}

	// Ignoring overlap, the chunks cover the entire text.
	assert.Equal(t, 0, chunks[0].StartPos)
	assert.Equal(t, len(text), chunks[len(chunks)-1].EndPos)
}

func TestChunker_PrefersParagraphBoundaries(t *testing.T) {
	// Given: text whose paragraph break falls in the cuttable half
	c := New(Options{ChunkSize: 100, Overlap: 10})
	para1 := strings.Repeat("a", 80)
	para2 := strings.Repeat("b", 200)
	text := para1 + "\n\n" + para2

	// When: I split it
	chunks := c.Split(text)

	// Then: the first cut lands right after the paragraph break
	require.Greater(t, len(chunks), 1)
	assert.Equal(t, para1+"\n\n", chunks[0].Text)
}

func TestChunker_FallsBackToHardCutWithoutSeparators(t *testing.T) {
	// Given: an unbroken run of characters
	c := New(Options{ChunkSize: 100, Overlap: 10})
	text := strings.Repeat("x", 350)

	// When: I split it
	chunks := c.Split(text)

	// Then: cuts land exactly at the window size
	require.Greater(t, len(chunks), 1)
	assert.Equal(t, 100, chunks[0].EndPos)
	assert.Equal(t, 90, chunks[1].StartPos)
}

func TestChunker_BoundaryTooEarlyIsIgnored(t *testing.T) {
	// Given: the only separator sits inside the first half of the window
	c := New(Options{ChunkSize: 100, Overlap: 10})
	text := strings.Repeat("x", 30) + "\n\n" + strings.Repeat("y", 300)

	// When: I split it
	chunks := c.Split(text)

	// Then: the cut ignores the keep-half rule violation and stays hard
	require.Greater(t, len(chunks), 1)
	assert.Equal(t, 100, chunks[0].EndPos,
		"a boundary keeping less than half the window should not win")
}

func TestChunker_AlwaysMakesProgress(t *testing.T) {
	// Overlap equal to the chunk size would stall; the clamp prevents it.
	c := New(Options{ChunkSize: 50, Overlap: 50})
	text := strings.Repeat("word ", 100)

	chunks := c.Split(text)

	require.NotEmpty(t, chunks)
	for i := 1; i < len(chunks); i++ {
		assert.Greater(t, chunks[i].StartPos, chunks[i-1].StartPos)
	}
	assert.Equal(t, len(text), chunks[len(chunks)-1].EndPos)
}

func TestChunker_DefaultsApplied(t *testing.T) {
	c := New(Options{})
	opts := c.Options()
	assert.Equal(t, DefaultChunkSize, opts.ChunkSize)
	assert.Equal(t, DefaultOverlap, opts.Overlap)
	assert.Equal(t, DefaultSeparators, opts.Separators)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("x", 100)))
}
