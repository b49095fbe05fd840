package core

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// decoderFactory returns a fresh decoder per stream; decoders carry state
// between writes so a multi-byte character split across reads decodes intact.
type decoderFactory func() *encoding.Decoder

func newDecoderFactory(name string) (decoderFactory, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return unicode.UTF8.NewDecoder, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("unknown output encoding %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported output encoding %q", name)
	}
	return enc.NewDecoder, nil
}

// streamPump receives one pipe's raw bytes, decodes them permissively and
// forwards each decoded chunk verbatim. It also keeps the decoded text for
// the exit interpreter.
type streamPump struct {
	stream StreamName
	emit   func(StreamName, string)

	mu       sync.Mutex
	captured strings.Builder
	writer   io.WriteCloser
}

func newStreamPump(stream StreamName, decoders decoderFactory, emit func(StreamName, string)) *streamPump {
	p := &streamPump{stream: stream, emit: emit}
	p.writer = transform.NewWriter(chunkWriter{p}, decoders())
	return p
}

// Write is called by the goroutine os/exec dedicates to this pipe.
func (p *streamPump) Write(b []byte) (int, error) {
	if _, err := p.writer.Write(b); err != nil {
		// Invalid input is replaced by the decoder, so this only reports a
		// broken transform; keep draining the pipe regardless.
		return len(b), nil
	}
	return len(b), nil
}

// Close flushes any incomplete trailing sequence.
func (p *streamPump) Close() error {
	return p.writer.Close()
}

// Text returns everything decoded so far.
func (p *streamPump) Text() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.captured.String()
}

func (p *streamPump) forward(chunk string) {
	if chunk == "" {
		return
	}
	p.mu.Lock()
	p.captured.WriteString(chunk)
	p.mu.Unlock()
	if p.emit != nil {
		p.emit(p.stream, chunk)
	}
}

type chunkWriter struct {
	pump *streamPump
}

func (w chunkWriter) Write(b []byte) (int, error) {
	w.pump.forward(string(b))
	return len(b), nil
}

// decodeAll decodes a fully buffered stream.
func decodeAll(decoders decoderFactory, raw []byte) string {
	out, _, err := transform.Bytes(decoders(), raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "�")
	}
	return string(out)
}
