package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/runs"
	"github.com/hirepilot/agentruns/internal/types"
)

// WorkerTokenHeader carries the shared worker secret on internal callbacks.
const WorkerTokenHeader = "X-Worker-Token"

// DefaultCallbackTimeout bounds a single callback request.
const DefaultCallbackTimeout = 15 * time.Second

// CallbackError is returned when the API rejects a callback.
type CallbackError struct {
	URL        string
	StatusCode int
	Message    string
	Cause      error
}

func (e *CallbackError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("callback %s failed: %s: %v", e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("callback %s failed: HTTP %d: %s", e.URL, e.StatusCode, e.Message)
}

func (e *CallbackError) Unwrap() error {
	return e.Cause
}

// HTTPReporter reports to the API process through its internal callback routes.
type HTTPReporter struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ Reporter = (*HTTPReporter)(nil)

// NewHTTPReporter creates a reporter for the API at baseURL, for example
// http://localhost:8080.
func NewHTTPReporter(baseURL, token string, client *http.Client) *HTTPReporter {
	if client == nil {
		client = &http.Client{Timeout: DefaultCallbackTimeout}
	}
	return &HTTPReporter{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

func (h *HTTPReporter) runURL(runID uuid.UUID, action string) string {
	u := h.baseURL + "/internal/rex2/runs/" + url.PathEscape(runID.String())
	if action != "" {
		u += "/" + action
	}
	return u
}

// Load fetches the current run.
func (h *HTTPReporter) Load(ctx context.Context, runID uuid.UUID) (*types.Run, error) {
	var out struct {
		Run *types.Run `json:"run"`
	}
	if err := h.do(ctx, http.MethodGet, h.runURL(runID, ""), runID, nil, &out); err != nil {
		return nil, err
	}
	return out.Run, nil
}

// ReportStepUpdate posts a step update.
func (h *HTTPReporter) ReportStepUpdate(ctx context.Context, runID uuid.UUID, u types.StepUpdate) (runs.Report, error) {
	return h.post(ctx, runID, "steps", u)
}

// ReportToolCall posts a tool call.
func (h *HTTPReporter) ReportToolCall(ctx context.Context, runID uuid.UUID, tc types.ToolCall) (runs.Report, error) {
	return h.post(ctx, runID, "toolcalls", types.ToolCallRequest{ToolCall: tc})
}

// ReportArtifact posts an artifact.
func (h *HTTPReporter) ReportArtifact(ctx context.Context, runID uuid.UUID, a types.Artifact) (runs.Report, error) {
	return h.post(ctx, runID, "artifacts", types.ArtifactRequest{Artifact: a})
}

// ReportCompletion posts the completion report.
func (h *HTTPReporter) ReportCompletion(ctx context.Context, runID uuid.UUID, final types.FinalStats) (runs.Report, error) {
	return h.post(ctx, runID, "complete", types.CompletionRequest{Stats: final})
}

// ReportFailure posts the failure report.
func (h *HTTPReporter) ReportFailure(ctx context.Context, runID uuid.UUID, summary types.FailureSummary) (runs.Report, error) {
	return h.post(ctx, runID, "fail", types.FailureRequest{FailureSummary: summary})
}

func (h *HTTPReporter) post(ctx context.Context, runID uuid.UUID, action string, body any) (runs.Report, error) {
	var rep runs.Report
	err := h.do(ctx, http.MethodPost, h.runURL(runID, action), runID, body, &rep)
	return rep, err
}

func (h *HTTPReporter) do(ctx context.Context, method, urlStr string, runID uuid.UUID, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode callback body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return &CallbackError{URL: urlStr, Message: "failed to create request", Cause: err}
	}
	req.Header.Set(WorkerTokenHeader, h.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return &CallbackError{URL: urlStr, Message: "HTTP request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &CallbackError{URL: urlStr, Message: "failed to read response body", Cause: err}
	}

	if resp.StatusCode == http.StatusNotFound {
		return &runs.ErrRunNotFound{RunID: runID}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &CallbackError{URL: urlStr, StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &CallbackError{URL: urlStr, StatusCode: resp.StatusCode, Message: "failed to decode response", Cause: err}
	}
	return nil
}
