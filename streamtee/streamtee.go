// Package streamtee implements capture-and-replay for SSE streaming
// responses: the live path tees upstream bytes to the client while
// building a replayable transcript, and the cache-hit path replays a
// previously captured transcript with timing close to the original.
package streamtee

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nimbusgate/gateway/provider"
)

// MinChunksToCache is the minimum number of SSE data chunks a stream
// must produce for its transcript to be eligible for caching.
const MinChunksToCache = 3

// Chunk is one captured SSE data line plus the time elapsed since the
// previous chunk.
type Chunk struct {
	RawLine      []byte `json:"raw_line"`
	DeltaSinceMs int64  `json:"delta_ms"`
}

// Transcript is a captured streamed-response entry.
type Transcript struct {
	Chunks          []Chunk `json:"chunks"`
	FullContent     string  `json:"full_content"`
	Complete        bool    `json:"complete"`
	TotalDurationMs int64   `json:"total_duration_ms"`
}

// Tokens estimates the output tokens of a streamed entry from its
// assembled content as ceil(len(text)/4), regardless of tokenizer
// availability.
func (t *Transcript) Tokens() int {
	if len(t.FullContent) == 0 {
		return 0
	}
	return (len(t.FullContent) + 3) / 4
}

type readResult struct {
	data []byte
	err  error
}

// CaptureResult is the outcome of TeeAndCapture.
type CaptureResult struct {
	Transcript   *Transcript
	Disconnected bool // client went away mid-stream
	UpstreamErr  error
}

// TeeAndCapture forwards every byte the upstream stream produces to
// the client, unmodified and in order, while incrementally parsing SSE
// data lines into a chunk transcript. It returns once the upstream
// stream terminates, the client disconnects, or the upstream errors.
//
// Partial lines spanning read boundaries are reassembled before
// parsing; a trailing partial line at end-of-stream is parsed as a
// final chunk if it is non-empty.
func TeeAndCapture(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, upstream provider.Stream) CaptureResult {
	start := time.Now()
	lastChunk := start

	var parseBuf []byte
	var chunks []Chunk
	var fullContent strings.Builder

	ch := make(chan readResult, 1)
	go func() {
		for {
			data, err := upstream.Next()
			select {
			case ch <- readResult{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	handleLine := func(line []byte) {
		trimmed := bytes.TrimRight(line, "\r\n")
		if !bytes.HasPrefix(trimmed, []byte("data:")) {
			return
		}
		payload := bytes.TrimSpace(trimmed[len("data:"):])

		now := time.Now()
		delta := now.Sub(lastChunk)
		lastChunk = now

		stored := make([]byte, len(line))
		copy(stored, line)
		chunks = append(chunks, Chunk{RawLine: stored, DeltaSinceMs: delta.Milliseconds()})

		if string(payload) == "[DONE]" {
			return
		}
		content := gjson.GetBytes(payload, "choices.0.delta.content")
		if content.Exists() {
			fullContent.WriteString(content.String())
		}
	}

	finish := func(complete bool) CaptureResult {
		return CaptureResult{
			Transcript: &Transcript{
				Chunks:          chunks,
				FullContent:     fullContent.String(),
				Complete:        complete,
				TotalDurationMs: time.Since(start).Milliseconds(),
			},
		}
	}

	for {
		select {
		case <-ctx.Done():
			return CaptureResult{Disconnected: true, Transcript: &Transcript{Chunks: chunks, FullContent: fullContent.String(), TotalDurationMs: time.Since(start).Milliseconds()}}

		case res := <-ch:
			if len(res.data) > 0 {
				if _, werr := w.Write(res.data); werr != nil {
					return CaptureResult{Disconnected: true, Transcript: &Transcript{Chunks: chunks, FullContent: fullContent.String(), TotalDurationMs: time.Since(start).Milliseconds()}}
				}
				flusher.Flush()

				parseBuf = append(parseBuf, res.data...)
				for {
					idx := bytes.IndexByte(parseBuf, '\n')
					if idx < 0 {
						break
					}
					line := parseBuf[:idx+1]
					parseBuf = parseBuf[idx+1:]
					handleLine(line)
				}
			}

			if res.err != nil {
				if res.err == io.EOF {
					if len(parseBuf) > 0 {
						handleLine(parseBuf)
						parseBuf = nil
					}
					return finish(len(chunks) >= MinChunksToCache)
				}
				result := finish(false)
				result.UpstreamErr = res.err
				return result
			}
		}
	}
}

// Replay synthesizes an SSE response from a captured transcript,
// sleeping between chunks to imitate realistic arrival timing.
// fastReplay sleeps a flat 30ms per chunk instead of the recorded
// delta (capped at 100ms).
func Replay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, transcript *Transcript, fastReplay bool) error {
	for _, c := range transcript.Chunks {
		var wait time.Duration
		if fastReplay {
			wait = 30 * time.Millisecond
		} else {
			wait = time.Duration(c.DeltaSinceMs) * time.Millisecond
			if wait > 100*time.Millisecond {
				wait = 100 * time.Millisecond
			}
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if _, err := w.Write(c.RawLine); err != nil {
			return err
		}
		flusher.Flush()
	}
	return nil
}
