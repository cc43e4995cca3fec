package propagation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/ssgrim/daylight-rotator/internal/awsclient"
	"github.com/ssgrim/daylight-rotator/internal/logging"
	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// DefaultParameterPath names one parameter per secret field.
const DefaultParameterPath = "/{secretId}/{field}"

// SSMClientAPI is the subset of the SSM client the updater uses.
type SSMClientAPI interface {
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// SSMConfig holds SSM Parameter Store specific configuration.
type SSMConfig struct {
	awsclient.Settings `yaml:",inline"`

	// Path is the parameter name template; {secretId} and {field} are
	// substituted.
	Path string `yaml:"path"`

	// Fields limits which payload fields are written. Empty means all but
	// rotatedAt.
	Fields []string `yaml:"fields"`

	// KMSKeyID encrypts the SecureString parameters. The account default key
	// is used when empty.
	KMSKeyID string `yaml:"kms_key_id"`
}

// SSMOption configures the SSM updater.
type SSMOption func(*SSM)

// WithSSMClient sets a custom SSM client (for testing).
func WithSSMClient(client SSMClientAPI) SSMOption {
	return func(s *SSM) {
		s.client = client
	}
}

// WithSSMLogger sets the logger.
func WithSSMLogger(logger *logging.Logger) SSMOption {
	return func(s *SSM) {
		s.logger = logger
	}
}

// SSM writes each field to Parameter Store as a SecureString. Overwrite makes
// repeated calls converge on the same parameter values.
type SSM struct {
	config SSMConfig
	client SSMClientAPI
	logger *logging.Logger
}

// NewSSM creates an SSM updater.
func NewSSM(ctx context.Context, config SSMConfig, opts ...SSMOption) (*SSM, error) {
	if config.Path == "" {
		config.Path = DefaultParameterPath
	}
	if !strings.Contains(config.Path, "{field}") && len(config.Fields) != 1 {
		return nil, fmt.Errorf("ssm path %q must contain {field} unless exactly one field is written", config.Path)
	}

	s := &SSM{config: config}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	if s.client == nil {
		cfg, err := awsclient.Load(ctx, config.Settings)
		if err != nil {
			return nil, fmt.Errorf("failed to create SSM client: %w", err)
		}
		var clientOpts []func(*ssm.Options)
		if endpoint := config.EndpointPtr(); endpoint != nil {
			clientOpts = append(clientOpts, func(o *ssm.Options) {
				o.BaseEndpoint = endpoint
			})
		}
		s.client = ssm.NewFromConfig(cfg, clientOpts...)
	}
	return s, nil
}

// Name returns "ssm".
func (s *SSM) Name() string {
	return "ssm"
}

// UpdateConfiguration implements rotation.ConfigUpdater.
func (s *SSM) UpdateConfiguration(ctx context.Context, secretID string, fields map[string]string) error {
	names := s.selectFields(fields)
	if len(names) == 0 {
		return fmt.Errorf("no fields to write for %s", secretID)
	}

	for _, field := range names {
		name := s.ParameterName(secretID, field)
		input := &ssm.PutParameterInput{
			Name:      aws.String(name),
			Value:     aws.String(fields[field]),
			Type:      types.ParameterTypeSecureString,
			Overwrite: aws.Bool(true),
		}
		if s.config.KMSKeyID != "" {
			input.KeyId = aws.String(s.config.KMSKeyID)
		}
		if _, err := s.client.PutParameter(ctx, input); err != nil {
			if awsclient.IsAuthError(err) {
				return fmt.Errorf("AWS authentication/authorization failed writing %s: %w", name, err)
			}
			return fmt.Errorf("failed to write parameter %s: %w", name, err)
		}
		s.logger.Debug("Wrote parameter %s", name)
	}
	return nil
}

// ParameterName expands the path template for one field.
func (s *SSM) ParameterName(secretID, field string) string {
	name := strings.NewReplacer("{secretId}", secretID, "{field}", field).Replace(s.config.Path)
	if !strings.HasPrefix(name, "/") && strings.Contains(name, "/") {
		name = "/" + name
	}
	return name
}

func (s *SSM) selectFields(fields map[string]string) []string {
	var names []string
	if len(s.config.Fields) > 0 {
		for _, f := range s.config.Fields {
			if _, ok := fields[f]; ok {
				names = append(names, f)
			}
		}
		return names
	}
	for f := range fields {
		if f != rotation.RotatedAtField {
			names = append(names, f)
		}
	}
	sort.Strings(names)
	return names
}
