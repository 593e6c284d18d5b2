// Package providerexec implements provider_exec_kernel: makes exactly one
// outbound HTTPS call to an external provider and records the outcome
// (§4.9). No retries at this layer; retry/backoff are policy-layer concerns.
package providerexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/loglineos/core/internal/ctxprovider"
	"github.com/loglineos/core/internal/ledger"
	"github.com/loglineos/core/internal/ledgererr"
)

const requestTimeout = 30 * time.Second

// providerMetadata holds the handful of fields buildRequest needs out of a
// provider record's metadata blob. Extracted with gjson rather than a full
// json.Unmarshal: metadata shapes vary per provider kind and this kernel
// only ever reads these three paths.
type providerMetadata struct {
	BaseURL string
	Model   string
	AuthEnv string
}

func parseProviderMetadata(raw json.RawMessage) providerMetadata {
	return providerMetadata{
		BaseURL: gjson.GetBytes(raw, "base_url").String(),
		Model:   gjson.GetBytes(raw, "model").String(),
		AuthEnv: gjson.GetBytes(raw, "auth_env").String(),
	}
}

// HTTPDoer is the subset of *http.Client providerexec depends on, so tests
// can substitute a fake transport without a real network call.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

var defaultClient HTTPDoer = &http.Client{Timeout: requestTimeout}

// Run dispatches providerID's configured call with payload and records a
// signed provider_execution (§4.9 steps 1-3).
func Run(ctx context.Context, kctx *ctxprovider.Ctx, providerID string, payload json.RawMessage) (*ledger.Record, error) {
	return run(ctx, kctx, providerID, payload, defaultClient)
}

func run(ctx context.Context, kctx *ctxprovider.Ctx, providerID string, payload json.RawMessage, client HTTPDoer) (*ledger.Record, error) {
	provider, err := kctx.GetLatest(ctx, providerID)
	if err != nil {
		return nil, ledgererr.NotFound("providerexec.Run", fmt.Errorf("provider %s: %w", providerID, err))
	}
	if provider.EntityType != "provider" {
		return nil, ledgererr.Validation("providerexec.Run", ledgererr.ErrInvalidTarget)
	}

	meta := parseProviderMetadata(provider.Metadata)

	httpReq, err := buildRequest(ctx, meta, payload)
	if err != nil {
		return nil, err
	}

	record := &ledger.Record{
		ID:         kctx.Crypto().RandomUUID(),
		EntityType: "provider_execution",
		Who:        "kernel:provider_exec",
		Did:        "called",
		This:       providerID,
		ParentID:   provider.ID,
		RelatedTo:  []string{provider.ID},
		OwnerID:    kctx.Identity().UserID,
		TenantID:   provider.TenantID,
		Visibility: ledger.VisibilityTenant,
		Input:      payload,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		errPayload, _ := json.Marshal(map[string]string{"message": err.Error()})
		record.Status = "error"
		record.Error = errPayload
	} else {
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			errPayload, _ := json.Marshal(map[string]string{"message": readErr.Error()})
			record.Status = "error"
			record.Error = errPayload
		} else if resp.StatusCode >= 400 {
			errPayload, _ := json.Marshal(map[string]any{"message": "provider returned an error status", "status": resp.StatusCode, "body": string(body)})
			record.Status = "error"
			record.Error = errPayload
		} else {
			record.Status = "complete"
			record.Output = json.RawMessage(body)
		}
	}

	if kctx.Env().SigningKey != "" {
		if err := record.Sign(kctx.Env().SigningKey, kctx.Env().PublicKey); err != nil {
			return nil, ledgererr.Internal("providerexec.Run", err)
		}
	}
	if err := kctx.InsertRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// buildRequest implements §4.9 step 1's dispatch-by-shape rule.
func buildRequest(ctx context.Context, meta providerMetadata, payload json.RawMessage) (*http.Request, error) {
	switch {
	case strings.Contains(meta.BaseURL, "openai.com"):
		url := strings.TrimRight(meta.BaseURL, "/") + "/chat/completions"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, ledgererr.Internal("providerexec.buildRequest", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if meta.AuthEnv != "" {
			if token := os.Getenv(meta.AuthEnv); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}
		return req, nil

	case strings.Contains(meta.BaseURL, "localhost:11434"):
		url := strings.TrimRight(meta.BaseURL, "/") + "/api/chat"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, ledgererr.Internal("providerexec.buildRequest", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil

	default:
		return nil, ledgererr.Validation("providerexec.buildRequest", ledgererr.ErrUnsupportedProvider)
	}
}
