package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/example/nsfw-check/internal/logging"
)

// PredictRequest is the JSON body sent to an HTTP model server.
type PredictRequest struct {
	Images []WireImage `json:"images"`
}

// WireImage carries one image; Data is base64 encoded by encoding/json.
type WireImage struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// PredictResponse is the JSON body returned by an HTTP model server.
type PredictResponse struct {
	Probabilities []float64 `json:"probabilities"`
}

// HTTPModel calls a model server that accepts PredictRequest over HTTP.
type HTTPModel struct {
	endpoint string
	client   *http.Client
}

// NewHTTPModel creates an HTTPModel posting to endpoint.
func NewHTTPModel(endpoint string, client *http.Client) *HTTPModel {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPModel{endpoint: endpoint, client: client}
}

// Predict implements Model.
func (m *HTTPModel) Predict(ctx context.Context, images []Image) ([]float64, error) {
	payload := PredictRequest{Images: make([]WireImage, len(images))}
	for i, img := range images {
		payload.Images[i] = WireImage{Name: img.Name, Data: img.Data}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if requestID := logging.RequestIDFromContext(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model returned status %d: %s", resp.StatusCode, errorDetail(resp.Body))
	}

	var decoded PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	if decoded.Probabilities == nil {
		return nil, fmt.Errorf("model response has no probabilities")
	}
	return decoded.Probabilities, nil
}

// errorDetail extracts a readable message from a failed model response.
func errorDetail(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Detail != "" {
			return body.Detail
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
