package IO

import (
	"strings"

	"github.com/RockAfeller2013/mygpt/params"
)

// ByteTokenizer maps text to its raw UTF-8 bytes and back. Ids are 0..255.
type ByteTokenizer struct{}

func (ByteTokenizer) VocabSize() int { return params.VocabSize }

func (ByteTokenizer) Encode(s string) []int {
	return ByteTokenizer{}.EncodeBytes([]byte(s))
}

func (ByteTokenizer) EncodeBytes(b []byte) []int {
	ids := make([]int, len(b))
	for i, c := range b {
		ids[i] = int(c)
	}
	return ids
}

// Decode turns ids back into text. Each id is taken modulo 256, and every run
// of bytes that is not valid UTF-8 becomes a single U+FFFD.
func (ByteTokenizer) Decode(ids []int) string {
	b := make([]byte, len(ids))
	for i, id := range ids {
		b[i] = byte(id)
	}
	return strings.ToValidUTF8(string(b), "�")
}
