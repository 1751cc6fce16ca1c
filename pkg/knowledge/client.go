package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"stageengine/pkg/engineerr"
	"stageengine/pkg/logx"
)

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 4 << 10

// HTTPClient talks to the retrieval service's JSON API:
//
//	POST {base}/search    {"query","threshold","limit"} -> {"results":[Chunk...]}
//	POST {base}/documents Document                      -> 2xx
type HTTPClient struct {
	http    *http.Client
	logger  *logx.Logger
	baseURL string
}

var _ Retriever = (*HTTPClient)(nil)

// NewHTTPClient creates a client for baseURL. A zero timeout means 10s.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		http:    &http.Client{Timeout: timeout},
		logger:  logx.NewLogger("knowledge"),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type searchRequest struct {
	Query     string  `json:"query"`
	Threshold float64 `json:"threshold"`
	Limit     int     `json:"limit"`
}

type searchResponse struct {
	Results []Chunk `json:"results"`
}

// Search implements Retriever. Results are re-filtered locally so a service that ignores
// the threshold or limit cannot widen the result set.
func (c *HTTPClient) Search(ctx context.Context, query string, threshold float64, limit int) ([]Chunk, error) {
	var resp searchResponse
	if err := c.post(ctx, "retrieval search", "/search", searchRequest{Query: query, Threshold: threshold, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	chunks := Filter(resp.Results, threshold, limit)
	c.logger.Debug("search returned %d results, kept %d", len(resp.Results), len(chunks))
	return chunks, nil
}

// Ingest implements Retriever. Documents without an id get a random one.
func (c *HTTPClient) Ingest(ctx context.Context, doc Document) error {
	if strings.TrimSpace(doc.Content) == "" {
		return engineerr.Validation("retrieval ingest", "document content is empty")
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	return c.post(ctx, "retrieval ingest", "/documents", doc, nil)
}

func (c *HTTPClient) post(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return engineerr.Wrap(engineerr.CategoryValidation, op, err, "encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return engineerr.Wrap(engineerr.CategoryValidation, op, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return engineerr.Classify(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return engineerr.FromStatus(op, resp.StatusCode,
			fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return engineerr.Wrap(engineerr.CategoryProcessing, op, err, "malformed response")
	}
	return nil
}
