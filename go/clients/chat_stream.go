package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"unicode/utf8"

	"github.com/mcdev12/codeheist/go/internal/models"
)

const streamReadSize = 4096

// ChatRequest is the body of one chat exchange: the transcript so far, the
// new user message last, and the level the player is on
type ChatRequest struct {
	Messages []models.ChatMessage `json:"messages"`
	Level    int                  `json:"level"`
}

// StreamChat posts a chat request and yields the reply as raw chunks in
// arrival order. The body has no framing; the sequence ends when the server
// closes it. Breaking out of the loop or cancelling ctx closes the body.
func (c *HeistClient) StreamChat(ctx context.Context, req ChatRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := c.OpenStream(ctx, http.MethodPost, "/api/stream_chat/", req)
		if err != nil {
			yield("", fmt.Errorf("failed to start chat: %w", err))
			return
		}
		defer resp.Body.Close()

		buf := make([]byte, streamReadSize)
		var pending []byte
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				data := append(pending, buf[:n]...)
				cut := completeRunes(data)
				pending = append([]byte(nil), data[cut:]...)
				if cut > 0 && !yield(string(data[:cut]), nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				if len(pending) > 0 {
					yield(string(pending), nil)
				}
				return
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				}
				yield("", fmt.Errorf("chat stream interrupted: %w", err))
				return
			}
		}
	}
}

// completeRunes returns the length of data without a trailing rune that was
// split across reads
func completeRunes(data []byte) int {
	start := len(data) - 1
	for start >= 0 && start > len(data)-utf8.UTFMax && !utf8.RuneStart(data[start]) {
		start--
	}
	if start < 0 || utf8.FullRune(data[start:]) {
		return len(data)
	}
	return start
}
