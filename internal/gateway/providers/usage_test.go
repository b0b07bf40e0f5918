package providers

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/models"
)

func feed(m *UsageMeter, s string, chunk int) {
	for len(s) > 0 {
		n := chunk
		if n > len(s) {
			n = len(s)
		}
		_, _ = m.Write([]byte(s[:n]))
		s = s[n:]
	}
	_ = m.Close()
}

const openAIStream = "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}],\"usage\":null}\n\n" +
	"data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"lo\"}}],\"usage\":null}\n\n" +
	"data: {\"id\":\"c1\",\"choices\":[],\"usage\":{\"prompt_tokens\":120,\"completion_tokens\":50,\"total_tokens\":170,\"prompt_tokens_details\":{\"cached_tokens\":20}}}\n\n" +
	"data: [DONE]\n\n"

func TestUsageMeter_OpenAIStream(t *testing.T) {
	for _, chunk := range []int{1, 7, 64, len(openAIStream)} {
		m := NewUsageMeter("text/event-stream; charset=utf-8")
		feed(m, openAIStream, chunk)

		got, ok := m.Usage()
		if !ok {
			t.Fatalf("chunk %d: usage not found", chunk)
		}
		want := models.TokenCounts{Input: 100, Cached: 20, Output: 50}
		if got != want {
			t.Errorf("chunk %d: got %+v, want %+v", chunk, got, want)
		}
		if !m.Done() {
			t.Errorf("chunk %d: [DONE] not seen", chunk)
		}
	}
}

func TestUsageMeter_FlatUsageShape(t *testing.T) {
	m := NewUsageMeter("text/event-stream")
	feed(m, "data: {\"delta\":\"x\"}\r\n\r\ndata: {\"usage\":{\"input\":1,\"input_tokens\":100,\"cached_tokens\":20,\"output_tokens\":50}}\r\n", 5)

	got, ok := m.Usage()
	if !ok || got != (models.TokenCounts{Input: 100, Cached: 20, Output: 50}) {
		t.Fatalf("got %+v %v", got, ok)
	}
}

func TestUsageMeter_TruncatedStream(t *testing.T) {
	m := NewUsageMeter("text/event-stream")
	feed(m, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\ndata: {\"choices\":[{\"del", 3)

	if _, ok := m.Usage(); ok {
		t.Fatal("truncated stream must not yield usage")
	}
	if m.Done() {
		t.Fatal("truncated stream is not done")
	}
}

func TestUsageMeter_JSONBody(t *testing.T) {
	body := `{"id":"c1","object":"chat.completion","choices":[],"usage":{"prompt_tokens":30,"completion_tokens":12,"total_tokens":42}}`
	m := NewUsageMeter("application/json")
	feed(m, body, 10)

	got, ok := m.Usage()
	if !ok || got != (models.TokenCounts{Input: 30, Output: 12}) {
		t.Fatalf("got %+v %v", got, ok)
	}
}

func TestUsageMeter_OversizedLineSkipped(t *testing.T) {
	m := NewUsageMeter("text/event-stream")
	huge := "data: {\"pad\":\"" + strings.Repeat("a", maxSSELine+10) + "\"}\n"
	feed(m, huge+"data: {\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":1}}\n", 4096)

	got, ok := m.Usage()
	if !ok || got.Output != 1 {
		t.Fatalf("usage after oversized line: %+v %v", got, ok)
	}
}

func TestEnsureStreamUsage(t *testing.T) {
	out, err := EnsureStreamUsage([]byte(`{"model":"gpt-4o","stream":true,"messages":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatal(err)
	}
	if string(fields["stream_options"]) != `{"include_usage":true}` {
		t.Errorf("stream_options = %s", fields["stream_options"])
	}

	orig := []byte(`{"model":"gpt-4o","stream":true,"stream_options":{"include_usage":false}}`)
	out, _ = EnsureStreamUsage(orig)
	if string(out) != string(orig) {
		t.Errorf("existing stream_options rewritten: %s", out)
	}
}

func TestPeekRequest(t *testing.T) {
	meta, err := PeekRequest([]byte(`{"model":"claude-haiku-4-5","stream":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if meta.Model != "claude-haiku-4-5" || !meta.Stream {
		t.Errorf("meta = %+v", meta)
	}
	if _, err := PeekRequest([]byte(`not json`)); err == nil {
		t.Error("expected error")
	}
}

func largeEmbeddingsBody(usage string) string {
	var b strings.Builder
	b.WriteString(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":"`)
	b.WriteString(strings.Repeat("A", maxJSONBody+1<<20))
	b.WriteString(`"}],"model":"text-embedding-3-small"`)
	if usage != "" {
		b.WriteString(`,"usage":` + usage)
	}
	b.WriteString("}")
	return b.String()
}

func TestUsageMeter_OversizedJSONBodyStillMetered(t *testing.T) {
	m := NewUsageMeter("application/json")
	feed(m, largeEmbeddingsBody(`{"prompt_tokens":500,"total_tokens":500}`), 32<<10)

	if !m.Overflow() {
		t.Fatal("body should have outgrown the buffer")
	}
	got, ok := m.Usage()
	if !ok || got != (models.TokenCounts{Input: 500}) {
		t.Fatalf("got %+v %v", got, ok)
	}
	if len(m.tail) != 0 || m.body.Len() != 0 {
		t.Error("buffers not released on close")
	}
}

func TestUsageMeter_OversizedJSONBodyWithoutUsage(t *testing.T) {
	m := NewUsageMeter("application/json")
	feed(m, largeEmbeddingsBody(""), 32<<10)

	if _, ok := m.Usage(); ok {
		t.Fatal("no usage member, nothing to meter")
	}
	if !m.Overflow() {
		t.Fatal("overflow not reported")
	}
}

func TestUsageMeter_EscapedUsageInStringIgnored(t *testing.T) {
	m := NewUsageMeter("application/json")
	body := `{"data":"` + strings.Repeat("x", maxJSONBody) + `","note":"{\"usage\":{\"prompt_tokens\":9}}"}`
	feed(m, body, 64<<10)

	if _, ok := m.Usage(); ok {
		t.Fatal("usage inside a string value must not be metered")
	}
}

const runningUsageStream = "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":1}}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":2}}\n\n"

func TestUsageMeter_RunningUsageNeedsDone(t *testing.T) {
	m := NewUsageMeter("text/event-stream")
	feed(m, runningUsageStream, 9)
	if _, ok := m.Usage(); ok {
		t.Fatal("running usage on a broken stream must not be metered")
	}

	m = NewUsageMeter("text/event-stream")
	feed(m, runningUsageStream+"data: [DONE]\n\n", 9)
	got, ok := m.Usage()
	if !ok || got != (models.TokenCounts{Input: 10, Output: 2}) {
		t.Fatalf("completed stream: got %+v %v", got, ok)
	}
}
