package chat

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mcdev12/codeheist/go/clients"
	"github.com/mcdev12/codeheist/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedStreamer yields a fixed list of chunks, then an optional error
type scriptedStreamer struct {
	chunks []string
	err    error

	mu       sync.Mutex
	requests []clients.ChatRequest
}

func (s *scriptedStreamer) StreamChat(ctx context.Context, req clients.ChatRequest) iter.Seq2[string, error] {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, c := range s.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if s.err != nil {
			yield("", s.err)
		}
	}
}

// gatedStreamer yields whatever the test pushes until the feed is closed or ctx ends
type gatedStreamer struct {
	feed chan string
}

func newGatedStreamer() *gatedStreamer {
	return &gatedStreamer{feed: make(chan string)}
}

func (g *gatedStreamer) StreamChat(ctx context.Context, _ clients.ChatRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			select {
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			case chunk, ok := <-g.feed:
				if !ok {
					return
				}
				if !yield(chunk, nil) {
					return
				}
			}
		}
	}
}

func waitIdle(t *testing.T, a *Assembler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Wait(ctx))
}

func lastText(a *Assembler) string {
	msgs := a.Transcript()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Text
}

// User sends "hint"; the placeholder fills with "H" then "i" and completes
// when the stream ends.
func TestHintExchange(t *testing.T) {
	g := newGatedStreamer()
	a := New(g)
	defer a.Close()

	require.NoError(t, a.Submit(context.Background(), "hint", 1))

	msgs := a.Transcript()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.Message{ID: 1, Author: models.AuthorUser, Text: "hint", Complete: true}, msgs[0])
	assert.Equal(t, models.Message{ID: 2, Author: models.AuthorAssistant, Text: "", Complete: false}, msgs[1])
	assert.True(t, a.Streaming())

	g.feed <- "H"
	g.feed <- "i"
	require.Eventually(t, func() bool { return lastText(a) == "Hi" }, time.Second, 5*time.Millisecond)
	assert.False(t, a.Transcript()[1].Complete)

	close(g.feed)
	waitIdle(t, a)

	reply := a.Transcript()[1]
	assert.Equal(t, "Hi", reply.Text)
	assert.True(t, reply.Complete)
	assert.False(t, a.Streaming())
	assert.NoError(t, a.LastError())
}

func TestChunkSegmentationDoesNotMatter(t *testing.T) {
	reply := strings.Repeat("The code is hidden behind the painting. ", 8)

	segmentations := map[string][]string{
		"single chunk": {reply},
		"one byte":     strings.Split(reply, ""),
		"uneven":       {reply[:3], "", reply[3:17], reply[17:18], reply[18:]},
	}
	for name, chunks := range segmentations {
		t.Run(name, func(t *testing.T) {
			a := New(&scriptedStreamer{chunks: chunks})
			require.NoError(t, a.Submit(context.Background(), "hint", 1))
			waitIdle(t, a)

			got := a.Transcript()[1]
			assert.Equal(t, strings.Join(chunks, ""), got.Text)
			assert.True(t, got.Complete)
		})
	}
	assert.Greater(t, len(segmentations["one byte"]), 100)
}

func TestSubmitWhileStreamingIsRefused(t *testing.T) {
	g := newGatedStreamer()
	a := New(g)
	defer a.Close()

	require.NoError(t, a.Submit(context.Background(), "first", 1))
	before := a.Transcript()

	err := a.Submit(context.Background(), "second", 1)
	assert.ErrorIs(t, err, ErrStreamInProgress)
	assert.Equal(t, before, a.Transcript())

	close(g.feed)
	waitIdle(t, a)
	g.feed = make(chan string)
	close(g.feed)
	require.NoError(t, a.Submit(context.Background(), "second", 1))
	waitIdle(t, a)
	assert.Len(t, a.Transcript(), 4)
}

func TestSubmitRejectsBlankInput(t *testing.T) {
	a := New(&scriptedStreamer{})
	assert.ErrorIs(t, a.Submit(context.Background(), "   ", 1), ErrEmptyMessage)
	assert.Empty(t, a.Transcript())
}

func TestRequestCarriesTranscriptWithoutPlaceholder(t *testing.T) {
	s := &scriptedStreamer{chunks: []string{"ok"}}
	a := New(s)

	require.NoError(t, a.Submit(context.Background(), "hello", 2))
	waitIdle(t, a)
	require.NoError(t, a.Submit(context.Background(), "again", 3))
	waitIdle(t, a)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.requests, 2)

	assert.Equal(t, 2, s.requests[0].Level)
	assert.Equal(t, []models.ChatMessage{{ID: 1, Message: "hello", User: true}}, s.requests[0].Messages)

	assert.Equal(t, 3, s.requests[1].Level)
	assert.Equal(t, []models.ChatMessage{
		{ID: 1, Message: "hello", User: true},
		{ID: 2, Message: "ok", User: false},
		{ID: 3, Message: "again", User: true},
	}, s.requests[1].Messages)
}

func TestStreamFailureKeepsPartialText(t *testing.T) {
	boom := errors.New("connection reset")
	a := New(&scriptedStreamer{chunks: []string{"Look ", "under"}, err: boom})

	require.NoError(t, a.Submit(context.Background(), "hint", 1))
	waitIdle(t, a)

	reply := a.Transcript()[1]
	assert.Equal(t, "Look under", reply.Text)
	assert.True(t, reply.Complete)
	assert.False(t, a.Streaming())

	var se *StreamError
	require.True(t, errors.As(a.LastError(), &se))
	assert.Equal(t, 2, se.MessageID)
	assert.ErrorIs(t, a.LastError(), boom)

	require.NoError(t, a.Submit(context.Background(), "retry", 1))
	waitIdle(t, a)
}

func TestResetAbortsStreamAndClearsTranscript(t *testing.T) {
	g := newGatedStreamer()
	a := New(g)
	defer a.Close()

	require.NoError(t, a.Submit(context.Background(), "hint", 1))
	g.feed <- "partial"
	require.Eventually(t, func() bool { return lastText(a) == "partial" }, time.Second, 5*time.Millisecond)

	a.Reset()
	assert.Empty(t, a.Transcript())
	assert.False(t, a.Streaming())
	waitIdle(t, a)
	assert.Empty(t, a.Transcript(), "late chunks from an aborted stream must be dropped")
	assert.NoError(t, a.LastError())

	g.feed = make(chan string)
	close(g.feed)
	require.NoError(t, a.Submit(context.Background(), "fresh start", 1))
	waitIdle(t, a)
	assert.Equal(t, "fresh start", a.Transcript()[0].Text)
	assert.Equal(t, 3, a.Transcript()[0].ID, "message ids keep increasing across resets")
}

func TestCloseStopsStreamDeterministically(t *testing.T) {
	g := newGatedStreamer()
	a := New(g)

	require.NoError(t, a.Submit(context.Background(), "hint", 1))
	g.feed <- "Hel"
	require.Eventually(t, func() bool { return lastText(a) == "Hel" }, time.Second, 5*time.Millisecond)

	a.Close()
	assert.False(t, a.Streaming())
	assert.True(t, a.Transcript()[1].Complete)
	assert.Equal(t, "Hel", a.Transcript()[1].Text)
	assert.NoError(t, a.LastError())

	a.Close()
	assert.ErrorIs(t, a.Submit(context.Background(), "more", 1), ErrClosed)
}

func TestOnChangeFiresPerChunk(t *testing.T) {
	var (
		mu    sync.Mutex
		seen  []string
		reply = []string{"a", "b", "c"}
	)
	var a *Assembler
	a = New(&scriptedStreamer{chunks: reply}, WithOnChange(func() {
		mu.Lock()
		defer mu.Unlock()
		msgs := a.Transcript()
		if len(msgs) == 2 {
			seen = append(seen, msgs[1].Text)
		}
	}))

	require.NoError(t, a.Submit(context.Background(), "hint", 1))
	waitIdle(t, a)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "a", "ab", "abc", "abc"}, seen)
}

func TestTimeoutEndsExchangeWithStreamError(t *testing.T) {
	a := New(newGatedStreamer(), WithTimeout(20*time.Millisecond))
	require.NoError(t, a.Submit(context.Background(), "hint", 1))
	waitIdle(t, a)

	assert.ErrorIs(t, a.LastError(), context.DeadlineExceeded)
	assert.True(t, a.Transcript()[1].Complete)
}
