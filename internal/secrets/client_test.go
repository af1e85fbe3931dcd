package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockManager struct {
	GetSecretValueFunc func(context.Context, *secretsmanager.GetSecretValueInput, ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

func (m *mockManager) GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, fns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return m.GetSecretValueFunc(ctx, in, fns...)
}

func secretValue(value string) *mockManager {
	return &mockManager{
		GetSecretValueFunc: func(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
			return &secretsmanager.GetSecretValueOutput{Name: in.SecretId, SecretString: aws.String(value)}, nil
		},
	}
}

func TestLookupPlainSecret(t *testing.T) {
	c := NewClientWithAPI(secretValue("r7-key"), zerolog.Nop())

	v, err := c.Lookup(context.Background(), "rapid7/api-key")
	require.NoError(t, err)
	assert.Equal(t, "r7-key", v)
}

func TestLookupJSONField(t *testing.T) {
	c := NewClientWithAPI(secretValue(`{"api_key":"r7-key","region":"us"}`), zerolog.Nop())

	v, err := c.Lookup(context.Background(), "rapid7#api_key")
	require.NoError(t, err)
	assert.Equal(t, "r7-key", v)

	_, err = c.Lookup(context.Background(), "rapid7#missing")
	assert.Error(t, err)
}

func TestLookupMapsAPIErrors(t *testing.T) {
	c := NewClientWithAPI(&mockManager{
		GetSecretValueFunc: func(context.Context, *secretsmanager.GetSecretValueInput, ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
			return nil, &smithy.GenericAPIError{Code: ResourceNotFoundException, Message: "nope"}
		},
	}, zerolog.Nop())

	_, err := c.Lookup(context.Background(), "rapid7/api-key")
	assert.True(t, errors.Is(err, ErrSecretNotFound))
}

func TestLookupBinarySecret(t *testing.T) {
	c := NewClientWithAPI(&mockManager{
		GetSecretValueFunc: func(context.Context, *secretsmanager.GetSecretValueInput, ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
			return &secretsmanager.GetSecretValueOutput{SecretBinary: []byte{1}}, nil
		},
	}, zerolog.Nop())

	_, err := c.Lookup(context.Background(), "bin")
	assert.ErrorIs(t, err, ErrNoSecretString)
}
