// Package codec converts between token sequences and the posts exchanged
// with callers.
package codec

import (
	"errors"

	"github.com/samcharles93/kiln/internal/model"
)

// ErrEmptyPost is returned when a post carries no content.
var ErrEmptyPost = errors.New("empty post")

// Post is the payload handed to and received from callers.
type Post struct {
	Text string `json:"text"`
}

// Codec maps sequences to posts and back.
type Codec interface {
	Encode(tok model.Tokenizer, seq []int) (Post, error)
	Decode(tok model.Tokenizer, post Post) ([]int, error)
}

// Text is a Codec for plain-text posts. Decoding frames the text with the
// tokenizer's end token, so the result can be trained on directly.
type Text struct {
	// AllowEmpty accepts posts with no text.
	AllowEmpty bool
}

func (Text) Encode(tok model.Tokenizer, seq []int) (Post, error) {
	return Post{Text: tok.Decode(seq)}, nil
}

func (c Text) Decode(tok model.Tokenizer, post Post) ([]int, error) {
	if post.Text == "" && !c.AllowEmpty {
		return nil, ErrEmptyPost
	}
	return tok.Encode(post.Text), nil
}
