// internal/export/client.go
package export

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

	"github.com/rs/zerolog"

	"github.com/andresuchdata/export2s3/internal/domain"
)

const (
	probeQuery  = `query { __typename }`
	createQuery = `mutation CreateVulnExport { createVulnerabilityExport(input: {}) { id } }`
	pollQuery   = `query GetExport { export(id: %q) { id status result { urls prefix } } }`

	maxErrorBody = 512
)

// Config holds the export service settings the client needs.
type Config struct {
	Endpoint      string
	APIKey        string
	PollInterval  time.Duration
	ExportTimeout time.Duration
	HTTPTimeout   time.Duration
}

// Validate checks the settings before any request is made.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return &domain.ConfigurationError{Field: "export.endpoint", Reason: "is required"}
	case c.APIKey == "":
		return &domain.ConfigurationError{Field: "export.api_key", Reason: "is required"}
	case c.PollInterval <= 0:
		return &domain.ConfigurationError{Field: "export.poll_interval_sec", Reason: "must be positive"}
	case c.ExportTimeout <= 0:
		return &domain.ConfigurationError{Field: "export.export_timeout_sec", Reason: "must be positive"}
	case c.HTTPTimeout <= 0:
		return &domain.ConfigurationError{Field: "export.http_timeout_sec", Reason: "must be positive"}
	}
	return nil
}

// Client talks GraphQL over HTTP to the remote export service.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient validates cfg and returns a ready client.
func NewClient(cfg Config, log zerolog.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
		log:  log.With().Str("component", "export").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type graphQLRequest struct {
	Query string `json:"query"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// do posts one GraphQL document and decodes its data member into out.
func (c *Client) do(ctx context.Context, op, query string, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query})
	if err != nil {
		return &domain.APIError{Op: op, StatusCode: http.StatusBadRequest, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &domain.APIError{Op: op, StatusCode: http.StatusBadRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.cfg.APIKey)

	c.log.Debug().Str("op", op).Str("endpoint", c.cfg.Endpoint).Msg("export api request")

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.APIError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.APIError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	c.log.Debug().Str("op", op).Int("status_code", resp.StatusCode).Msg("export api response")

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &domain.AuthenticationError{StatusCode: resp.StatusCode, Err: errors.New(snippet(raw))}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &domain.APIError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(snippet(raw))}
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.log.Error().Str("op", op).Str("body", snippet(raw)).Msg("invalid json from export api")
		return &domain.APIError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid json: %w", err)}
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
		}
		return &domain.APIError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))}
	}
	if out == nil {
		return nil
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return &domain.APIError{Op: op, StatusCode: resp.StatusCode, Err: errors.New("response has no data")}
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &domain.APIError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	if s == "" {
		return "empty response body"
	}
	return s
}

// Probe issues the capability probe. It must succeed before a job is created.
func (c *Client) Probe(ctx context.Context) error {
	c.log.Info().Msg("export api sanity check")

	var data struct {
		Typename string `json:"__typename"`
	}
	if err := c.do(ctx, "probe", probeQuery, &data); err != nil {
		return err
	}
	if data.Typename != "Query" {
		return &domain.APIError{
			Op:         "probe",
			StatusCode: http.StatusOK,
			Err:        fmt.Errorf("unexpected __typename %q", data.Typename),
		}
	}

	c.log.Info().Msg("export api sanity check ok")
	return nil
}

// Create requests a new export job.
func (c *Client) Create(ctx context.Context) (*domain.ExportJob, error) {
	var data struct {
		CreateVulnerabilityExport *struct {
			ID string `json:"id"`
		} `json:"createVulnerabilityExport"`
	}
	if err := c.do(ctx, "create", createQuery, &data); err != nil {
		return nil, &domain.ExportCreationError{Err: err}
	}
	if data.CreateVulnerabilityExport == nil || data.CreateVulnerabilityExport.ID == "" {
		return nil, &domain.ExportCreationError{Err: errors.New("response carries no export id")}
	}

	job := &domain.ExportJob{
		ID:        data.CreateVulnerabilityExport.ID,
		Status:    domain.JobCreated,
		CreatedAt: time.Now().UTC(),
	}
	c.log.Info().Str("job_id", job.ID).Msg("created export job")
	return job, nil
}

type exportStatus struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

func (c *Client) status(ctx context.Context, id string) (*exportStatus, error) {
	var data struct {
		Export *exportStatus `json:"export"`
	}
	if err := c.do(ctx, "poll", fmt.Sprintf(pollQuery, id), &data); err != nil {
		return nil, err
	}
	if data.Export == nil {
		return nil, &domain.APIError{Op: "poll", StatusCode: http.StatusOK, Err: errors.New("response has no export object")}
	}
	return data.Export, nil
}
