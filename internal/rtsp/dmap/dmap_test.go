package dmap

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func encodeRecord(tag string, data []byte) []byte {
	out := make([]byte, 8+len(data))
	copy(out[0:4], tag)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(data)))
	copy(out[8:], data)
	return out
}

func TestParseSingleRecord(t *testing.T) {
	t.Parallel()

	preamble := make([]byte, 8)
	body := append(preamble, encodeRecord("minm", []byte("Song Title"))...)

	records, err := Parse(body)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "minm", records[0].TagString())
	assert.Equal(t, []byte("Song Title"), records[0].Data)
}

func TestParseMultipleRecords(t *testing.T) {
	t.Parallel()

	preamble := make([]byte, 8)
	body := append(preamble, encodeRecord("minm", []byte("Title"))...)
	body = append(body, encodeRecord("asar", []byte("Artist"))...)
	body = append(body, encodeRecord("asal", []byte("Album"))...)

	records, err := Parse(body)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "minm", records[0].TagString())
	assert.Equal(t, "asar", records[1].TagString())
	assert.Equal(t, "asal", records[2].TagString())
}

func TestParseEmptyBodyAfterPreamble(t *testing.T) {
	t.Parallel()

	records, err := Parse(make([]byte, 8))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestParseRejectsBodyShorterThanPreamble(t *testing.T) {
	t.Parallel()

	_, err := Parse(make([]byte, 4))
	assert.Error(t, err)
}

func TestParseRejectsTruncatedRecord(t *testing.T) {
	t.Parallel()

	preamble := make([]byte, 8)
	body := append(preamble, []byte("minm")...)
	body = append(body, 0, 0, 0, 100) // claims 100 bytes follow, but none do

	_, err := Parse(body)
	assert.Error(t, err)
}

func Test_RoundTripsArbitraryRecords(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(t, "n")
		tags := make([]string, n)
		datas := make([][]byte, n)
		body := make([]byte, 8)
		for i := 0; i < n; i++ {
			tagBytes := rapid.SliceOfN(rapid.Byte(), 4, 4).Draw(t, "tag")
			tags[i] = string(tagBytes)
			datas[i] = rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, "data")
			body = append(body, encodeRecord(tags[i], datas[i])...)
		}

		records, err := Parse(body)
		require.NoError(t, err)
		require.Len(t, records, n)
		for i := 0; i < n; i++ {
			assert.Equal(t, tags[i], records[i].TagString())
			assert.Equal(t, datas[i], records[i].Data)
		}
	})
}
