package providers

import (
	"encoding/json"

	"github.com/sashabaranov/go-openai"
)

// RequestMeta is the part of an inbound body the gateway inspects. The body
// itself is forwarded untouched apart from stream options.
type RequestMeta struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream,omitempty"`
}

// PeekRequest reads the routing fields from an upstream-shaped body.
func PeekRequest(body []byte) (RequestMeta, error) {
	var meta RequestMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		return RequestMeta{}, err
	}
	return meta, nil
}

// EnsureStreamUsage asks a streaming upstream to emit its terminal usage
// chunk. Bodies that already set stream_options are left alone.
func EnsureStreamUsage(body []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if _, ok := fields["stream_options"]; ok {
		return body, nil
	}
	opts, err := json.Marshal(openai.StreamOptions{IncludeUsage: true})
	if err != nil {
		return nil, err
	}
	fields["stream_options"] = opts
	return json.Marshal(fields)
}
