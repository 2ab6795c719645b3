// Package tokenizer provides a byte-level tokenizer. Every byte is its own
// token and one extra id marks the start and end of a text.
package tokenizer

// End is the id framing every encoded text.
const End = 256

// VocabSize is the number of ids a Byte tokenizer produces.
const VocabSize = End + 1

// Byte encodes text as raw bytes.
type Byte struct{}

// Encode returns End, the bytes of text, End.
func (Byte) Encode(text string) []int {
	ids := make([]int, 0, len(text)+2)
	ids = append(ids, End)
	for i := 0; i < len(text); i++ {
		ids = append(ids, int(text[i]))
	}
	return append(ids, End)
}

// Decode concatenates byte tokens, skipping End and any id outside the
// byte range.
func (Byte) Decode(ids []int) string {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < End {
			buf = append(buf, byte(id))
		}
	}
	return string(buf)
}

func (Byte) EndToken() int { return End }

func (Byte) VocabSize() int { return VocabSize }
