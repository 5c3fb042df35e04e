package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunk(t *testing.T) {
	items := make([]int, 23)
	for i := range items {
		items[i] = i
	}

	chunks := Chunk(items, 10)
	assert.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 10)
	assert.Len(t, chunks[1], 10)
	assert.Len(t, chunks[2], 3)
	assert.Equal(t, NumBatches(23, 10), len(chunks))

	var rejoined []int
	for _, c := range chunks {
		rejoined = append(rejoined, c...)
	}
	assert.Equal(t, items, rejoined)
}

func TestChunkEdges(t *testing.T) {
	assert.Nil(t, Chunk([]int{1, 2}, 0))
	assert.Nil(t, Chunk([]int{}, 5))
	assert.Equal(t, [][]int{{1, 2}}, Chunk([]int{1, 2}, 5))
	assert.Equal(t, 0, NumBatches(0, 10))
	assert.Equal(t, 1, NumBatches(10, 10))
	assert.Equal(t, 2, NumBatches(11, 10))
}

func TestChunkDoesNotAlias(t *testing.T) {
	chunks := Chunk([]int{1, 2, 3, 4}, 2)
	chunks[0] = append(chunks[0], 99)
	assert.Equal(t, []int{3, 4}, chunks[1])
}
