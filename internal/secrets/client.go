// Package secrets looks up the export API key in AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

const (
	ResourceNotFoundException = "ResourceNotFoundException"
	AccessDeniedException     = "AccessDeniedException"
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrAccessDenied   = errors.New("access denied to secret")
	ErrNoSecretString = errors.New("secret has no string value")
)

// ManagerAPI is the subset of the Secrets Manager client in use.
type ManagerAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// Client reads secret strings.
type Client struct {
	api ManagerAPI
	log zerolog.Logger
}

// NewClient loads the default AWS configuration for region.
func NewClient(ctx context.Context, region string, log zerolog.Logger) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewClientWithAPI(secretsmanager.NewFromConfig(cfg), log), nil
}

// NewClientWithAPI wraps an existing API implementation.
func NewClientWithAPI(api ManagerAPI, log zerolog.Logger) *Client {
	return &Client{api: api, log: log.With().Str("component", "secrets").Logger()}
}

// Lookup returns the secret string of id. An id of the form name#field
// selects one field of a JSON secret.
func (c *Client) Lookup(ctx context.Context, id string) (string, error) {
	name, field, _ := strings.Cut(id, "#")

	c.log.Debug().Str("secret", name).Msg("fetching secret")
	out, err := c.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", mapError(name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("%s: %w", name, ErrNoSecretString)
	}

	value := aws.ToString(out.SecretString)
	if field == "" {
		return value, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(value), &fields); err != nil {
		return "", fmt.Errorf("%s: secret is not a JSON object: %w", name, err)
	}
	v, ok := fields[field].(string)
	if !ok {
		return "", fmt.Errorf("%s: field %q missing or not a string", name, field)
	}
	return v, nil
}

func mapError(name string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case ResourceNotFoundException:
			return fmt.Errorf("%s: %w", name, ErrSecretNotFound)
		case AccessDeniedException:
			return fmt.Errorf("%s: %w", name, ErrAccessDenied)
		}
	}
	return fmt.Errorf("get secret %s: %w", name, err)
}
