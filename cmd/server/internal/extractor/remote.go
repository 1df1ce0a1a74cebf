package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/voiceid/voiceid/cmd/server/internal/svcerr"
	"github.com/voiceid/voiceid/pkg/vector"
)

// RemoteExtractor talks to an inference sidecar over HTTP. The sidecar owns
// the neural network; this client only moves bytes and decodes results.
type RemoteExtractor struct {
	baseURL string
	client  *http.Client
	modelID string
	dim     int
}

type loadRequest struct {
	ModelID string `json:"model_id"`
	Device  string `json:"device"`
}

type loadResponse struct {
	Success   bool   `json:"success"`
	Dimension int    `json:"dimension"`
	Error     string `json:"error,omitempty"`
}

type extractResponse struct {
	Success   bool      `json:"success"`
	Embedding []float64 `json:"embedding"`
	Dimension int       `json:"dimension"`
	Error     string    `json:"error,omitempty"`
}

// NewRemoteLoader returns a LoadFunc that asks the sidecar at baseURL to
// load a model and wraps the result in a RemoteExtractor. timeout bounds
// each HTTP call made by the returned extractor.
func NewRemoteLoader(baseURL string, timeout time.Duration) LoadFunc {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return func(ctx context.Context, modelID, device string) (Extractor, error) {
		body, err := json.Marshal(loadRequest{ModelID: modelID, Device: device})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal load request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/load", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create load request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to call extractor service: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("extractor service returned status %d: %s", resp.StatusCode, string(respBody))
		}

		var loadResp loadResponse
		if err := json.NewDecoder(resp.Body).Decode(&loadResp); err != nil {
			return nil, fmt.Errorf("failed to decode load response: %w", err)
		}
		if !loadResp.Success {
			return nil, fmt.Errorf("extractor service rejected model %s: %s", modelID, loadResp.Error)
		}
		if loadResp.Dimension <= 0 {
			return nil, fmt.Errorf("extractor service reported invalid dimension %d", loadResp.Dimension)
		}

		return &RemoteExtractor{
			baseURL: baseURL,
			client:  client,
			modelID: modelID,
			dim:     loadResp.Dimension,
		}, nil
	}
}

// Extract uploads the audio file and returns the decoded embedding.
func (e *RemoteExtractor) Extract(ctx context.Context, audioPath string) (vector.Embedding, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, svcerr.NewExtractionError(fmt.Sprintf("cannot open audio file %s", audioPath), err)
	}
	defer f.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("audio", filepath.Base(audioPath))
	if err != nil {
		return nil, svcerr.NewInternal(err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, svcerr.NewExtractionError("failed to read audio file", err)
	}
	if err := writer.Close(); err != nil {
		return nil, svcerr.NewInternal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/extract_embedding", &buf)
	if err != nil {
		return nil, svcerr.NewInternal(err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, svcerr.NewTimeout("embedding extraction", err)
		}
		return nil, svcerr.NewExtractionError("extractor service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, svcerr.NewExtractionError(
			fmt.Sprintf("extractor service returned status %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	var extractResp extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&extractResp); err != nil {
		return nil, svcerr.NewExtractionError("failed to decode extraction response", err)
	}
	if !extractResp.Success {
		return nil, svcerr.NewExtractionError(extractResp.Error, nil)
	}
	if len(extractResp.Embedding) != e.dim {
		return nil, svcerr.NewExtractionError(
			fmt.Sprintf("embedding dimension changed: expected %d, got %d", e.dim, len(extractResp.Embedding)), nil)
	}

	return vector.Embedding(extractResp.Embedding).Normalized(), nil
}

// HealthCheck probes the sidecar's /health endpoint.
func (e *RemoteExtractor) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// Dimension returns the embedding size reported at load time.
func (e *RemoteExtractor) Dimension() int {
	return e.dim
}

// Name identifies this extractor and its model.
func (e *RemoteExtractor) Name() string {
	return "remote:" + e.modelID
}
