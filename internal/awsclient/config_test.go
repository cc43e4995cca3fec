package awsclient

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateAWSEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
}

func TestLoad_StaticCredentials(t *testing.T) {
	isolateAWSEnv(t)

	cfg, err := Load(context.Background(), Settings{
		Region:          "eu-central-1",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "wJalrXUtnFEMI/K7MDENG",
	})
	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", cfg.Region)

	creds, err := cfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIDEXAMPLE", creds.AccessKeyID)
}

func TestLoad_DefaultRegion(t *testing.T) {
	isolateAWSEnv(t)

	cfg, err := Load(context.Background(), Settings{AccessKeyID: "a", SecretAccessKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, DefaultRegion, cfg.Region)
}

func TestLoad_MissingProfile(t *testing.T) {
	isolateAWSEnv(t)

	_, err := Load(context.Background(), Settings{Profile: "does-not-exist"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load AWS config")
}

func TestEndpointPtr(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Settings{}.EndpointPtr())
	ptr := Settings{Endpoint: "http://localhost:4566"}.EndpointPtr()
	require.NotNil(t, ptr)
	assert.Equal(t, "http://localhost:4566", *ptr)
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantCode string
		wantAuth bool
	}{
		{
			name:     "access denied",
			err:      &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "not allowed"},
			wantCode: "AccessDeniedException",
			wantAuth: true,
		},
		{
			name:     "wrapped expired token",
			err:      fmt.Errorf("put: %w", &smithy.GenericAPIError{Code: "ExpiredTokenException"}),
			wantCode: "ExpiredTokenException",
			wantAuth: true,
		},
		{
			name:     "throttling",
			err:      &smithy.GenericAPIError{Code: "ThrottlingException"},
			wantCode: "ThrottlingException",
		},
		{
			name: "plain error",
			err:  errors.New("connection reset"),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantCode, ErrorCode(tt.err))
			assert.Equal(t, tt.wantAuth, IsAuthError(tt.err))
		})
	}
}
