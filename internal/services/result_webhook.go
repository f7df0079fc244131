package services

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

	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/pkg/httpx"
	"github.com/habitaro/extraction-backend/internal/utils"
)

// ResultWebhook tells the owning backend a contract's results are ready (or
// that the run failed). When RESULTS_WEBHOOK_BASE_URL or
// RESULTS_WEBHOOK_API_KEY is unset the webhook is disabled and both calls
// are no-ops.
type ResultWebhook interface {
	NotifySuccess(ctx context.Context, contractID string) error
	NotifyFailure(ctx context.Context, contractID string, errorMessage string, errorType string) error
}

type resultWebhook struct {
	log        *logger.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxRetries int
}

type webhookPayload struct {
	ContractID   string `json:"contract_id"`
	OutputPath   string `json:"output_path"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
}

type webhookHTTPError struct {
	StatusCode int
	Body       string
}

func (e *webhookHTTPError) Error() string {
	return fmt.Sprintf("webhook http %d: %s", e.StatusCode, e.Body)
}

func (e *webhookHTTPError) HTTPStatusCode() int { return e.StatusCode }

func NewResultWebhook(log *logger.Logger) ResultWebhook {
	serviceLog := log.With("service", "ResultWebhook")

	base := strings.TrimSpace(os.Getenv("RESULTS_WEBHOOK_BASE_URL"))
	key := strings.TrimSpace(os.Getenv("RESULTS_WEBHOOK_API_KEY"))
	if base == "" || key == "" {
		serviceLog.Warn("Results webhook disabled: RESULTS_WEBHOOK_BASE_URL or RESULTS_WEBHOOK_API_KEY not set")
		return &resultWebhook{log: serviceLog}
	}

	return &resultWebhook{
		log:        serviceLog,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     key,
		maxRetries: utils.GetEnvAsInt("RESULTS_WEBHOOK_MAX_RETRIES", 3, log),
	}
}

func (w *resultWebhook) NotifySuccess(ctx context.Context, contractID string) error {
	return w.send(ctx, webhookPayload{
		ContractID: contractID,
		OutputPath: ContractOutputPath(contractID),
		Status:     "success",
	})
}

func (w *resultWebhook) NotifyFailure(ctx context.Context, contractID string, errorMessage string, errorType string) error {
	return w.send(ctx, webhookPayload{
		ContractID:   contractID,
		OutputPath:   ContractOutputPath(contractID),
		Status:       "error",
		ErrorMessage: errorMessage,
		ErrorType:    errorType,
	})
}

// endpoint appends the fixed route, tolerating base URLs that already carry
// the /api/v1 segment.
func (w *resultWebhook) endpoint() string {
	if strings.Contains(w.baseURL, "/api/v1") {
		return w.baseURL + "/contract-to-extract/receive-extraction-results"
	}
	return w.baseURL + "/api/v1/contract-to-extract/receive-extraction-results"
}

func (w *resultWebhook) send(ctx context.Context, payload webhookPayload) error {
	if w.httpClient == nil {
		w.log.Warn("Webhook skipped (disabled)", "contract_id", payload.ContractID, "status", payload.Status)
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook marshal: %w", err)
	}

	backoff := 1 * time.Second
	endpoint := w.endpoint()

	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, err := w.post(ctx, endpoint, body)
		if err == nil {
			w.log.Info("Webhook delivered",
				"contract_id", payload.ContractID,
				"status", payload.Status,
				"endpoint", endpoint,
			)
			return nil
		}

		if !httpx.IsRetryableError(err) {
			return err
		}
		if attempt == w.maxRetries {
			return err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		w.log.Warn("Webhook retrying",
			"contract_id", payload.ContractID,
			"attempt", attempt+1,
			"max_retries", w.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}

// post returns nil on 2xx and on 409: a 409 means the backend already has
// this contract's results, which is a success for delivery purposes.
func (w *resultWebhook) post(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", w.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, readErr
	}

	if resp.StatusCode == http.StatusConflict {
		w.log.Info("Webhook target already has these results (409), treating as delivered")
		return resp, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, &webhookHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, nil
}
