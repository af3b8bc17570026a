package openai

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"sync"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/packages/ssestream"

	"github.com/loomworks/agentd/model"
)

// streamer adapts a Chat Completions SSE stream to model.Streamer. Structure
// mirrors the anthropic adapter: a pump goroutine feeds a buffered channel.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.ChatCompletionChunk]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk]) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan model.Chunk, 32),
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return model.Chunk{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	// Tool call fragments arrive keyed by index; the id and name land on the
	// first fragment and arguments accumulate across the rest.
	type toolBuffer struct {
		id   string
		name string
		args strings.Builder
	}
	toolBuffers := make(map[int64]*toolBuffer)
	var (
		usage      *model.TokenUsage
		stopReason string
	)

	flushTools := func() bool {
		indexes := make([]int64, 0, len(toolBuffers))
		for idx := range toolBuffers {
			indexes = append(indexes, idx)
		}
		sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
		for _, idx := range indexes {
			tb := toolBuffers[idx]
			args := strings.TrimSpace(tb.args.String())
			if args == "" {
				args = "{}"
			}
			ok := s.emitChunk(model.Chunk{
				Type: model.ChunkToolCall,
				ToolCall: &model.ToolCall{
					ID:        tb.id,
					Name:      tb.name,
					Arguments: json.RawMessage(args),
				},
			})
			if !ok {
				return false
			}
		}
		toolBuffers = make(map[int64]*toolBuffer)
		return true
	}

	for s.stream.Next() {
		chunk := s.stream.Current()
		if u := chunk.Usage; u.PromptTokens > 0 || u.CompletionTokens > 0 {
			usage = &model.TokenUsage{
				InputTokens:  int(u.PromptTokens),
				OutputTokens: int(u.CompletionTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if !s.emitChunk(model.Chunk{Type: model.ChunkText, Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			tb := toolBuffers[tc.Index]
			if tb == nil {
				tb = &toolBuffer{}
				toolBuffers[tc.Index] = tb
			}
			if tc.ID != "" {
				tb.id = tc.ID
			}
			if tc.Function.Name != "" {
				tb.name = tc.Function.Name
			}
			tb.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			stopReason = choice.FinishReason
			if !flushTools() {
				return
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		s.setErr(classifyError(err))
		return
	}
	if err := s.ctx.Err(); err != nil {
		s.setErr(err)
		return
	}
	if !flushTools() {
		return
	}
	if usage != nil {
		if !s.emitChunk(model.Chunk{Type: model.ChunkUsage, Usage: usage}) {
			return
		}
	}
	s.emitChunk(model.Chunk{Type: model.ChunkStop, StopReason: stopReason})
}

func (s *streamer) emitChunk(chunk model.Chunk) bool {
	select {
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
		return false
	case s.chunks <- chunk:
		return true
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet || err == nil {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}
