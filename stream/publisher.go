package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-pairing/core"
)

type Framing string

const (
	FramingSSE    Framing = "sse"
	FramingNDJSON Framing = "ndjson"

	ContentTypeSSE    = "text/event-stream"
	ContentTypeNDJSON = "application/x-ndjson"
)

var (
	ErrTerminalPublished    = errors.New("stream: terminal event already published")
	ErrClosed               = errors.New("stream: publisher closed")
	ErrStreamingUnsupported = errors.New("stream: response writer does not support flushing")
)

// NegotiateFraming picks NDJSON only when the client asks for it explicitly.
func NegotiateFraming(accept string) Framing {
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(mediaType, ContentTypeNDJSON) {
			return FramingNDJSON
		}
	}
	return FramingSSE
}

// Publisher writes session events to a long-lived HTTP response. Headers are
// committed lazily on the first event so callers can still answer with a
// plain JSON error when a session is rejected before anything is published.
type Publisher struct {
	w       http.ResponseWriter
	flusher http.Flusher
	framing Framing

	mu       sync.Mutex
	started  bool
	terminal bool
	closed   bool

	done      chan struct{}
	closeOnce sync.Once
}

func New(w http.ResponseWriter, r *http.Request) (*Publisher, error) {
	if w == nil {
		return nil, fmt.Errorf("stream: response writer is required")
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	framing := FramingSSE
	if r != nil {
		framing = NegotiateFraming(r.Header.Get("Accept"))
	}
	return &Publisher{
		w:       w,
		flusher: flusher,
		framing: framing,
		done:    make(chan struct{}),
	}, nil
}

func (p *Publisher) Framing() Framing {
	if p == nil {
		return ""
	}
	return p.framing
}

// Started reports whether response headers have been committed.
func (p *Publisher) Started() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Done is closed once the publisher is closed.
func (p *Publisher) Done() <-chan struct{} {
	return p.done
}

func (p *Publisher) Publish(_ context.Context, event core.Event) error {
	if p == nil {
		return ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.terminal {
		return ErrTerminalPublished
	}
	payload, err := p.encode(event)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "encode stream event").
			WithTextCode(core.ErrorCodeInternal).
			WithMetadata(map[string]any{"event": string(event.Type)})
	}

	p.startLocked()
	if _, err := p.w.Write(payload); err != nil {
		p.closeLocked()
		return goerrors.Wrap(err, goerrors.CategoryExternal, "write stream event").
			WithTextCode(core.ErrorCodeClientAbort).
			WithMetadata(map[string]any{"event": string(event.Type)})
	}
	p.flusher.Flush()

	if event.Type.Terminal() {
		p.terminal = true
		p.closeLocked()
	}
	return nil
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *Publisher) closeLocked() {
	p.closed = true
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *Publisher) startLocked() {
	if p.started {
		return
	}
	p.started = true
	header := p.w.Header()
	switch p.framing {
	case FramingNDJSON:
		header.Set("Content-Type", ContentTypeNDJSON)
	default:
		header.Set("Content-Type", ContentTypeSSE)
		header.Set("Connection", "keep-alive")
	}
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Accel-Buffering", "no")
	p.w.WriteHeader(http.StatusOK)
}

func (p *Publisher) encode(event core.Event) ([]byte, error) {
	eventType := strings.TrimSpace(string(event.Type))
	if eventType == "" || strings.ContainsAny(eventType, "\r\n") {
		return nil, fmt.Errorf("stream: invalid event type %q", event.Type)
	}
	data := event.Data
	if data == nil {
		data = map[string]any{}
	}
	switch p.framing {
	case FramingNDJSON:
		line, err := json.Marshal(ndjsonEnvelope{Event: eventType, Data: data})
		if err != nil {
			return nil, err
		}
		return append(line, '\n'), nil
	default:
		body, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 0, len(body)+len(eventType)+16)
		out = append(out, "event: "...)
		out = append(out, eventType...)
		out = append(out, "\ndata: "...)
		out = append(out, body...)
		out = append(out, "\n\n"...)
		return out, nil
	}
}

type ndjsonEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

var _ core.EventPublisher = (*Publisher)(nil)
