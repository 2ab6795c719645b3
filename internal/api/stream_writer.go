package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// NDJSONStreamWriter writes one JSON document per line and flushes after
// each, so clients see posts as they are generated.
type NDJSONStreamWriter struct {
	w       io.Writer
	flusher func()
	lines   int
	began   bool
	begin   func()
}

func NewNDJSONStreamWriter(c *echo.Context) (*NDJSONStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	return &NDJSONStreamWriter{
		w:       res,
		flusher: flusher.Flush,
		begin: func() {
			res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
			res.Header().Set("Cache-Control", "no-cache")
		},
	}, nil
}

// Started reports whether any line has been written. Once it has, errors
// can only be reported in-band.
func (s *NDJSONStreamWriter) Started() bool {
	return s.began
}

// Lines returns the number of lines written.
func (s *NDJSONStreamWriter) Lines() int {
	return s.lines
}

func (s *NDJSONStreamWriter) Send(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if !s.began {
		s.begin()
		s.began = true
	}
	if _, err := fmt.Fprintf(s.w, "%s\n", b); err != nil {
		return err
	}
	s.lines++
	s.flush()
	return nil
}

// Failed reports err as the final line of the stream.
func (s *NDJSONStreamWriter) Failed(err error) error {
	_, errType := classify(err)
	return s.Send(map[string]any{
		"error": ResponseError{
			Message: err.Error(),
			Type:    errType,
		},
	})
}

func (s *NDJSONStreamWriter) flush() {
	if s.flusher != nil {
		s.flusher()
	}
}
