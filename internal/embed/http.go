package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mindwell/syncpipe/internal/common"
	"github.com/mindwell/syncpipe/internal/extract"
	"github.com/mindwell/syncpipe/internal/models"
)

// HTTPEmbedder reports segments to the embedding service over a JSON POST.
// The service owns vector generation and index upserts.
type HTTPEmbedder struct {
	client *http.Client
	url    string
	token  string
}

// NewHTTPEmbedder builds an embedder for the given endpoint. token may be
// empty when the service is unauthenticated.
func NewHTTPEmbedder(client *http.Client, url, token string) *HTTPEmbedder {
	return &HTTPEmbedder{client: client, url: url, token: token}
}

type embedRequest struct {
	ItemID   string         `json:"item_id"`
	Scope    models.Scope   `json:"scope"`
	ScopeID  string         `json:"scope_id"`
	Segments []embedSegment `json:"segments"`
}

type embedSegment struct {
	Position int               `json:"position"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, segments []extract.Segment, scope models.Scope, scopeID, itemID string) error {
	reqBody := embedRequest{
		ItemID:   itemID,
		Scope:    scope,
		ScopeID:  scopeID,
		Segments: make([]embedSegment, 0, len(segments)),
	}
	for _, seg := range segments {
		reqBody.Segments = append(reqBody.Segments, embedSegment{
			Position: seg.Position,
			Text:     seg.Text,
			Metadata: seg.Metadata,
		})
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return common.Permanent(common.CodeInternal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return common.Permanent(common.CodeInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return common.Transient(common.CodeNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return common.Permanent(common.CodeAuthFailed, fmt.Errorf("embedding service: %s", resp.Status))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return common.Transient(common.CodeEmbeddingFailed, fmt.Errorf("embedding service: %s", resp.Status))
	default:
		return common.Permanent(common.CodeEmbeddingFailed, fmt.Errorf("embedding service: %s", resp.Status))
	}
}
