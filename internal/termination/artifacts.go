package termination

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
)

// ArtifactClient asks the artifact service to pull a run's outputs off the
// node. What gets uploaded and where is that service's business.
type ArtifactClient struct {
	baseURL string
	http    *http.Client
}

// NewArtifactClient builds an artifact service client.
func NewArtifactClient(baseURL string, timeout time.Duration) *ArtifactClient {
	return &ArtifactClient{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// Flush implements ArtifactFlusher.
func (c *ArtifactClient) Flush(ctx context.Context, run *domain.Run) error {
	url := fmt.Sprintf("%s/internal/v1/runs/%s/artifacts/flush", c.baseURL, run.RunID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("flush artifacts for %s: %w", run.RunID, err)
	}
	defer resp.Body.Close()
	// An unknown run has nothing left to upload.
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("artifact service returned %d: %s", resp.StatusCode, raw)
	}
	return nil
}
