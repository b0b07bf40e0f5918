package providers

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/models"
	"github.com/sashabaranov/go-openai"
)

const (
	maxSSELine  = 1 << 20
	maxJSONBody = 8 << 20
	maxJSONTail = 64 << 10
)

var usageField = []byte(`"usage"`)

// wireUsage accepts both the OpenAI usage shape and the flat
// input/cached/output shape some providers emit.
type wireUsage struct {
	openai.Usage
	InputTokens          int64 `json:"input_tokens"`
	OutputTokens         int64 `json:"output_tokens"`
	CachedTokens         int64 `json:"cached_tokens"`
	CacheReadInputTokens int64 `json:"cache_read_input_tokens"`
}

func (w wireUsage) counts() models.TokenCounts {
	if w.PromptTokens > 0 || w.CompletionTokens > 0 {
		var cached int64
		if w.PromptTokensDetails != nil {
			cached = int64(w.PromptTokensDetails.CachedTokens)
		}
		input := int64(w.PromptTokens) - cached
		if input < 0 {
			input = 0
		}
		return models.TokenCounts{Input: input, Cached: cached, Output: int64(w.CompletionTokens)}
	}
	cached := w.CachedTokens
	if cached == 0 {
		cached = w.CacheReadInputTokens
	}
	return models.TokenCounts{Input: w.InputTokens, Cached: cached, Output: w.OutputTokens}
}

type usageEnvelope struct {
	Usage   *wireUsage      `json:"usage"`
	Choices json.RawMessage `json:"choices"`
}

// terminal reports whether the chunk carried no choices, which is how a
// final usage-only chunk differs from running usage on content chunks.
func (e usageEnvelope) terminal() bool {
	c := bytes.TrimSpace(e.Choices)
	return len(c) == 0 || bytes.Equal(c, []byte("null")) || bytes.Equal(c, []byte("[]"))
}

// UsageMeter watches a response body as it is relayed and captures the
// terminal usage summary. It never holds more than one SSE line, or a
// bounded JSON body plus a tail window, in memory.
type UsageMeter struct {
	sse      bool
	line     []byte
	skipping bool
	body     bytes.Buffer
	tail     []byte
	overflow bool

	usage models.TokenCounts
	found bool
	final bool
	done  bool
}

// NewUsageMeter creates a meter for a response with the given content type.
func NewUsageMeter(contentType string) *UsageMeter {
	return &UsageMeter{sse: strings.HasPrefix(contentType, "text/event-stream")}
}

// Write feeds relayed bytes to the meter. It never fails.
func (m *UsageMeter) Write(p []byte) (int, error) {
	if !m.sse {
		switch {
		case m.overflow:
			m.keepTail(p)
		case m.body.Len()+len(p) > maxJSONBody:
			// Past the buffer only the end of the body is kept; OpenAI
			// shaped bodies put usage last.
			m.overflow = true
			m.keepTail(m.body.Bytes())
			m.keepTail(p)
			m.body.Reset()
		default:
			m.body.Write(p)
		}
		return len(p), nil
	}

	rest := p
	for len(rest) > 0 {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			m.appendLine(rest)
			break
		}
		m.appendLine(rest[:i])
		if !m.skipping {
			m.parseLine(m.line)
		}
		m.line = m.line[:0]
		m.skipping = false
		rest = rest[i+1:]
	}
	return len(p), nil
}

func (m *UsageMeter) keepTail(p []byte) {
	if len(p) >= maxJSONTail {
		m.tail = append(m.tail[:0], p[len(p)-maxJSONTail:]...)
		return
	}
	if over := len(m.tail) + len(p) - maxJSONTail; over > 0 {
		m.tail = m.tail[:copy(m.tail, m.tail[over:])]
	}
	m.tail = append(m.tail, p...)
}

func (m *UsageMeter) appendLine(b []byte) {
	if m.skipping {
		return
	}
	if len(m.line)+len(b) > maxSSELine {
		m.skipping = true
		m.line = m.line[:0]
		return
	}
	m.line = append(m.line, b...)
}

func (m *UsageMeter) parseLine(line []byte) {
	line = bytes.TrimRight(line, "\r")
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return
	}
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("[DONE]")) {
		m.done = true
		return
	}
	m.capture(data)
}

func (m *UsageMeter) capture(data []byte) {
	var env usageEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Usage == nil {
		return
	}
	m.usage = env.Usage.counts()
	m.found = true
	m.final = env.terminal()
}

// captureTail finds the last "usage" member in the tail window and decodes
// its object. Trailing bytes after the object are ignored.
func (m *UsageMeter) captureTail() {
	data := m.tail
	for {
		i := bytes.LastIndex(data, usageField)
		if i < 0 {
			return
		}
		// An escaped quote means the match sits inside a string value.
		if i == 0 || data[i-1] != '\\' {
			rest := bytes.TrimLeft(data[i+len(usageField):], " \t\r\n")
			if v, ok := bytes.CutPrefix(rest, []byte(":")); ok {
				var u *wireUsage
				if err := json.NewDecoder(bytes.NewReader(v)).Decode(&u); err == nil && u != nil {
					m.usage = u.counts()
					m.found = true
					m.final = true
					return
				}
			}
		}
		data = data[:i]
	}
}

// Close flushes a trailing SSE line and parses a buffered JSON body.
func (m *UsageMeter) Close() error {
	if m.sse {
		if len(m.line) > 0 && !m.skipping {
			m.parseLine(m.line)
			m.line = m.line[:0]
		}
		return nil
	}
	switch {
	case m.overflow:
		m.captureTail()
	case m.body.Len() > 0:
		m.capture(m.body.Bytes())
		m.final = m.found
	}
	m.done = m.found
	m.body.Reset()
	m.tail = nil
	return nil
}

// Usage returns the captured summary. ok is false when the upstream never
// reported one. On a stream, running usage on content chunks only counts
// once [DONE] arrives; a usage-only chunk counts on its own.
func (m *UsageMeter) Usage() (models.TokenCounts, bool) {
	if !m.found || !(m.final || m.done) {
		return m.usage, false
	}
	return m.usage, true
}

// Done reports whether the upstream signalled the end of the stream.
func (m *UsageMeter) Done() bool {
	return m.done
}

// Overflow reports whether a JSON body outgrew the buffer, so usage could
// only be looked for in the tail window.
func (m *UsageMeter) Overflow() bool {
	return m.overflow
}
