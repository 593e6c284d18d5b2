package providerexec

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loglineos/core/internal/ledgererr"
)

func TestBuildRequestDispatchesOpenAIShape(t *testing.T) {
	req, err := buildRequest(context.Background(), providerMetadata{BaseURL: "https://api.openai.com/v1", AuthEnv: "NONEXISTENT_ENV"}, []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, "https://api.openai.com/v1/chat/completions", req.URL.String())
	require.Equal(t, http.MethodPost, req.Method)
}

func TestBuildRequestDispatchesLocalShape(t *testing.T) {
	req, err := buildRequest(context.Background(), providerMetadata{BaseURL: "http://localhost:11434"}, []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, "http://localhost:11434/api/chat", req.URL.String())
}

func TestBuildRequestRejectsUnsupportedShape(t *testing.T) {
	_, err := buildRequest(context.Background(), providerMetadata{BaseURL: "https://example.com"}, []byte(`{}`))
	require.Error(t, err)
	require.ErrorIs(t, err, ledgererr.ErrUnsupportedProvider)
}

type fakeDoer struct {
	status int
	body   string
	err    error
}

func (f fakeDoer) Do(req *http.Request) (*http.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{StatusCode: f.status, Body: io_NopCloser(f.body)}, nil
}

func io_NopCloser(s string) *nopCloserReader { return &nopCloserReader{strings.NewReader(s)} }

type nopCloserReader struct{ *strings.Reader }

func (n *nopCloserReader) Close() error { return nil }

func TestProviderMetadataDecodesFromRecordMetadata(t *testing.T) {
	raw := []byte(`{"base_url":"https://api.openai.com","model":"gpt","auth_env":"X","unrelated":{"nested":true}}`)
	meta := parseProviderMetadata(json.RawMessage(raw))
	require.Equal(t, "https://api.openai.com", meta.BaseURL)
	require.Equal(t, "gpt", meta.Model)
	require.Equal(t, "X", meta.AuthEnv)
}

func TestProviderMetadataToleratesMissingFields(t *testing.T) {
	meta := parseProviderMetadata(json.RawMessage(`{}`))
	require.Empty(t, meta.BaseURL)
	require.Empty(t, meta.AuthEnv)
}
