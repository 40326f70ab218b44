package fortune

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRemoteTimeout = 3 * time.Second
	maxMessageLength     = 280
	maxResponseBytes     = 16 << 10
)

var (
	errMissingEndpoint = errors.New("fortune: endpoint url required")
	errEmptyMessage    = errors.New("fortune: remote returned empty message")
)

// RemoteGeneratorConfig configures the remote message generator.
type RemoteGeneratorConfig struct {
	Endpoint   string
	HTTPClient *http.Client
	Timeout    time.Duration
	Fallback   Generator
	Logger     *zap.Logger
}

// RemoteGenerator asks an external text service for a message and falls back
// to a local generator when the service is slow, failing, or unconfigured.
type RemoteGenerator struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	fallback   Generator
	logger     *zap.Logger
}

type remoteRequestPayload struct {
	Category string  `json:"category"`
	BMI      float64 `json:"bmi"`
}

type remoteResponsePayload struct {
	Message string `json:"message"`
}

func NewRemoteGenerator(cfg RemoteGeneratorConfig) (*RemoteGenerator, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errMissingEndpoint
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	fallback := cfg.Fallback
	if fallback == nil {
		fallback = NewLocalGenerator()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteGenerator{
		endpoint:   endpoint,
		httpClient: httpClient,
		timeout:    timeout,
		fallback:   fallback,
		logger:     logger,
	}, nil
}

func (g *RemoteGenerator) Generate(ctx context.Context, request Request) string {
	message, err := g.fetch(ctx, request)
	if err != nil {
		g.logger.Warn("remote fortune generation failed, using local fallback",
			zap.String("measurement_id", request.MeasurementID),
			zap.Error(err))
		return g.fallback.Generate(ctx, request)
	}
	return message
}

func (g *RemoteGenerator) fetch(ctx context.Context, request Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	body, err := json.Marshal(remoteRequestPayload{Category: string(request.Category), BMI: request.BMI})
	if err != nil {
		return "", err
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := g.httpClient.Do(httpRequest)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fortune: unexpected status %d", response.StatusCode)
	}
	var payload remoteResponsePayload
	if err := json.NewDecoder(io.LimitReader(response.Body, maxResponseBytes)).Decode(&payload); err != nil {
		return "", fmt.Errorf("fortune: decode response: %w", err)
	}
	message := strings.TrimSpace(payload.Message)
	if message == "" {
		return "", errEmptyMessage
	}
	if runes := []rune(message); len(runes) > maxMessageLength {
		message = string(runes[:maxMessageLength])
	}
	return message, nil
}
