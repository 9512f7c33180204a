package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/puja809/kisan-sahayak-ai-sub008/internal/queue"
)

var errMissingBaseURL = errors.New("worker: upstream base url is required")

const defaultApplyTimeout = 15 * time.Second

// HTTPApplierConfig describes the upstream domain-service gateway.
type HTTPApplierConfig struct {
	BaseURL string
	Client  *http.Client
	Logger  *zap.Logger
}

// HTTPApplier forwards queued mutations to the domain services behind a
// single gateway. The gateway answers with domain-level outcomes; transport
// failures surface as errors and retry per backoff.
type HTTPApplier struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

type applyPayload struct {
	UserID                string `json:"user_id"`
	EntityID              string `json:"entity_id,omitempty"`
	Operation             string `json:"operation"`
	Payload               string `json:"payload"`
	ClientTimestampMillis int64  `json:"client_timestamp_ms"`
}

type remotePayload struct {
	Data            string `json:"data"`
	TimestampMillis int64  `json:"timestamp_ms"`
	DeviceID        string `json:"device_id"`
}

// NewHTTPApplier constructs the gateway client.
func NewHTTPApplier(cfg HTTPApplierConfig) (*HTTPApplier, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("worker: invalid upstream base url: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultApplyTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPApplier{baseURL: baseURL, client: client, logger: logger}, nil
}

// Apply posts one mutation to the gateway and maps the HTTP answer onto a
// tagged outcome. Deleting an entity the remote side no longer has counts as
// success; the intent is already satisfied.
func (a *HTTPApplier) Apply(ctx context.Context, request ApplyRequest) (ApplyOutcome, error) {
	entityID := ""
	if request.EntityID != nil {
		entityID = *request.EntityID
	}
	body, err := json.Marshal(applyPayload{
		UserID:                request.UserID,
		EntityID:              entityID,
		Operation:             string(request.Operation),
		Payload:               request.Payload,
		ClientTimestampMillis: request.ClientTimestampMillis,
	})
	if err != nil {
		return ApplyOutcome{}, err
	}

	endpoint := fmt.Sprintf("%s/v1/entities/%s/apply", a.baseURL, url.PathEscape(request.EntityType))
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ApplyOutcome{}, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := a.client.Do(httpRequest)
	if err != nil {
		return ApplyOutcome{}, err
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return ApplyOutcome{Code: OutcomeSuccess}, nil

	case response.StatusCode == http.StatusConflict:
		var remote remotePayload
		if err := json.NewDecoder(io.LimitReader(response.Body, 1<<20)).Decode(&remote); err != nil {
			a.logger.Warn("conflict response body unreadable", zap.Error(err))
			return ApplyOutcome{Code: OutcomeConflict, Reason: "remote version unavailable"}, nil
		}
		return ApplyOutcome{
			Code: OutcomeConflict,
			Remote: &RemoteVersion{
				Data:            remote.Data,
				TimestampMillis: remote.TimestampMillis,
				DeviceID:        remote.DeviceID,
			},
		}, nil

	case response.StatusCode == http.StatusNotFound && request.Operation == queue.OperationTypeDelete:
		return ApplyOutcome{Code: OutcomeSuccess}, nil

	case response.StatusCode == http.StatusBadRequest || response.StatusCode == http.StatusUnprocessableEntity:
		return ApplyOutcome{Code: OutcomeValidation, Reason: responseReason(response)}, nil

	case response.StatusCode >= 500:
		return ApplyOutcome{Code: OutcomeTransient, Reason: responseReason(response)}, nil

	default:
		return ApplyOutcome{Code: OutcomeFailure, Reason: responseReason(response)}, nil
	}
}

func responseReason(response *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(response.Body, 512))
	trimmed := strings.TrimSpace(string(body))
	if err != nil || trimmed == "" {
		return fmt.Sprintf("upstream returned %d", response.StatusCode)
	}
	return fmt.Sprintf("upstream returned %d: %s", response.StatusCode, trimmed)
}
