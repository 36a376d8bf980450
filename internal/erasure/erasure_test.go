package erasure

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testChunkSize = 64000

func randomChunk(seed int64) []byte { // A
	b := make([]byte, testChunkSize)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestEncodeProducesEqualShards(t *testing.T) { // A
	c, err := New(6, 3, testChunkSize)
	require.NoError(t, err)

	shards, err := c.Encode(randomChunk(1))
	require.NoError(t, err)
	require.Len(t, shards, 9)
	for i, s := range shards {
		assert.Lenf(t, s, c.ShardSize(), "shard %d", i)
	}
	assert.Equal(t, 10667, c.ShardSize())
}

func TestDecodeAllShards(t *testing.T) { // A
	c, err := New(6, 3, testChunkSize)
	require.NoError(t, err)
	payload := randomChunk(2)

	shards, err := c.Encode(payload)
	require.NoError(t, err)
	got, err := c.Decode(shards)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecodeToleratesParityLosses(t *testing.T) { // A
	c, err := New(6, 3, testChunkSize)
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		payload := randomChunk(rapid.Int64().Draw(t, "seed"))
		shards, err := c.Encode(payload)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		lost := rapid.SliceOfNDistinct(
			rapid.IntRange(0, c.TotalShards()-1),
			0, c.ParityShards(),
			rapid.ID[int],
		).Draw(t, "lost")
		for _, i := range lost {
			shards[i] = nil
		}
		got, err := c.Decode(shards)
		if err != nil {
			t.Fatalf("Decode with %v lost: %v", lost, err)
		}
		if string(got) != string(payload) {
			t.Fatalf("decoded payload differs")
		}
	})
}

func TestDecodeTooFewShards(t *testing.T) { // A
	c, err := New(4, 2, testChunkSize)
	require.NoError(t, err)
	shards, err := c.Encode(randomChunk(3))
	require.NoError(t, err)

	shards[0], shards[2], shards[5] = nil, nil, nil
	_, err = c.Decode(shards)
	assert.ErrorIs(t, err, ErrTooFewShards)
}

func TestEncodeRejectsWrongSize(t *testing.T) { // A
	c, err := New(4, 2, testChunkSize)
	require.NoError(t, err)
	_, err = c.Encode(make([]byte, 10))
	assert.Error(t, err)
}

func TestNewRejectsBadParameters(t *testing.T) { // A
	_, err := New(0, 2, testChunkSize)
	assert.Error(t, err)
	_, err = New(2, -1, testChunkSize)
	assert.Error(t, err)
	_, err = New(2, 2, 0)
	assert.Error(t, err)
}
