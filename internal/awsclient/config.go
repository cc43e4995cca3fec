// Package awsclient loads the aws.Config shared by the Secrets Manager store
// and the SSM propagator.
package awsclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// DefaultRegion is used when neither the settings nor the environment name one.
const DefaultRegion = "us-east-1"

// Settings describes how to reach AWS. Everything is optional; the default
// credential chain applies when no keys or role are given.
type Settings struct {
	Region          string `yaml:"region"`
	Profile         string `yaml:"profile"`
	Endpoint        string `yaml:"endpoint"` // LocalStack or testing
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	RoleARN         string `yaml:"role_arn"`
	ExternalID      string `yaml:"external_id"`
	SessionName     string `yaml:"role_session_name"`
}

// Load builds an aws.Config from s.
func Load(ctx context.Context, s Settings) (aws.Config, error) {
	region := s.Region
	if region == "" {
		region = DefaultRegion
	}

	configOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if s.Profile != "" {
		configOpts = append(configOpts, awsconfig.WithSharedConfigProfile(s.Profile))
	}
	if s.AccessKeyID != "" && s.SecretAccessKey != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if s.RoleARN != "" {
		var stsOpts []func(*sts.Options)
		if s.Endpoint != "" {
			endpoint := s.Endpoint
			stsOpts = append(stsOpts, func(o *sts.Options) { o.BaseEndpoint = &endpoint })
		}
		client := sts.NewFromConfig(cfg, stsOpts...)
		provider := stscreds.NewAssumeRoleProvider(client, s.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = s.SessionName
			if o.RoleSessionName == "" {
				o.RoleSessionName = fmt.Sprintf("daylight-rotator-%d", time.Now().Unix())
			}
			if s.ExternalID != "" {
				o.ExternalID = aws.String(s.ExternalID)
			}
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return cfg, nil
}

// EndpointPtr returns the custom endpoint for a client BaseEndpoint, or nil.
func (s Settings) EndpointPtr() *string {
	if s.Endpoint == "" {
		return nil
	}
	endpoint := s.Endpoint
	return &endpoint
}

// ErrorCode returns the AWS API error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsAuthError reports whether err is an AWS authentication or authorization failure.
func IsAuthError(err error) bool {
	switch ErrorCode(err) {
	case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation",
		"UnrecognizedClientException", "InvalidClientTokenId", "ExpiredToken",
		"ExpiredTokenException", "InvalidSignatureException":
		return true
	}
	return false
}
