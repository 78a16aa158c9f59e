package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
)

// HTTPConfig configures a remote classifier.
type HTTPConfig struct {
	URL        string
	Timeout    time.Duration // per request
	Attempts   uint
	RetryDelay time.Duration
}

// HTTPClient posts PNG tiles to a prediction endpoint. The endpoint
// answers {"tumor_probability": p} or {"probabilities": [p_healthy, p_tumor]}.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
}

type predictResponse struct {
	TumorProbability *float64  `json:"tumor_probability"`
	Probabilities    []float64 `json:"probabilities"`
	Error            string    `json:"error"`
}

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("classifier url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Predict encodes tile once and retries transport errors and 5xx answers.
func (c *HTTPClient) Predict(ctx context.Context, tile image.Image) (float64, error) {
	var body bytes.Buffer
	if err := (&png.Encoder{CompressionLevel: png.BestSpeed}).Encode(&body, tile); err != nil {
		return 0, fmt.Errorf("failed to encode tile: %v: %w", err, ErrClassifier)
	}
	payload := body.Bytes()

	prob, err := retry.DoWithData(
		func() (float64, error) {
			return c.predictOnce(ctx, payload)
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("%w: %w", ctxErr, ErrClassifier)
		}
		return 0, fmt.Errorf("%v: %w", err, ErrClassifier)
	}
	return prob, nil
}

func (c *HTTPClient) predictOnce(ctx context.Context, payload []byte) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}

	var out predictResponse
	decodeErr := json.Unmarshal(data, &out)

	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, errorText(out, data))
	}
	if resp.StatusCode != http.StatusOK {
		return 0, retry.Unrecoverable(fmt.Errorf("classifier returned %d: %s", resp.StatusCode, errorText(out, data)))
	}
	if decodeErr != nil {
		return 0, retry.Unrecoverable(fmt.Errorf("invalid classifier response: %w", decodeErr))
	}

	switch {
	case out.TumorProbability != nil:
		return *out.TumorProbability, nil
	case len(out.Probabilities) == 2:
		return out.Probabilities[1], nil
	default:
		return 0, retry.Unrecoverable(fmt.Errorf("classifier response has no tumor probability"))
	}
}

func errorText(out predictResponse, raw []byte) string {
	if out.Error != "" {
		return out.Error
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(bytes.TrimSpace(raw))
}
