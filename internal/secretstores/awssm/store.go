// Package awssm implements rotation.Store on AWS Secrets Manager. Version
// tokens are Secrets Manager version IDs (ClientRequestToken on write) and the
// stage labels map to AWSCURRENT, AWSPENDING and AWSPREVIOUS.
package awssm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/ssgrim/daylight-rotator/internal/awsclient"
	"github.com/ssgrim/daylight-rotator/internal/logging"
	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// AWS staging labels.
const (
	LabelCurrent  = "AWSCURRENT"
	LabelPending  = "AWSPENDING"
	LabelPrevious = "AWSPREVIOUS"
)

// ClientAPI is the subset of the Secrets Manager client the store uses.
type ClientAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	UpdateSecretVersionStage(ctx context.Context, params *secretsmanager.UpdateSecretVersionStageInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error)
}

// Store is a rotation.Store backed by Secrets Manager.
type Store struct {
	client ClientAPI
	logger *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClient sets a custom Secrets Manager client (for testing).
func WithClient(client ClientAPI) Option {
	return func(s *Store) {
		s.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a store. Without WithClient a real client is built from settings.
func New(ctx context.Context, settings awsclient.Settings, opts ...Option) (*Store, error) {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}

	if s.client == nil {
		cfg, err := awsclient.Load(ctx, settings)
		if err != nil {
			return nil, err
		}
		var clientOpts []func(*secretsmanager.Options)
		if endpoint := settings.EndpointPtr(); endpoint != nil {
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = endpoint
			})
		}
		s.client = secretsmanager.NewFromConfig(cfg, clientOpts...)
	}
	return s, nil
}

// GetVersion implements rotation.Store.
func (s *Store) GetVersion(ctx context.Context, secretID string, query rotation.VersionQuery) (*rotation.Version, error) {
	input := &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)}
	if query.Token != "" {
		input.VersionId = aws.String(query.Token)
	} else {
		input.VersionStage = aws.String(toLabel(query.Stage))
	}

	out, err := s.client.GetSecretValue(ctx, input)
	if err != nil {
		return nil, s.handleError(err, secretID, fmt.Sprintf("no version with %s", query))
	}

	stages := fromLabels(out.VersionStages)
	if query.Token != "" && query.Stage != "" && !contains(stages, query.Stage) {
		return nil, rotation.Errorf(rotation.ErrNotFound, secretID, "no version with %s", query)
	}

	var raw string
	switch {
	case out.SecretString != nil:
		raw = *out.SecretString
	case out.SecretBinary != nil:
		raw = string(out.SecretBinary)
	}
	payload, err := rotation.ParsePayload(raw)
	if err != nil {
		return nil, rotation.NewError(rotation.ErrMalformedSecret, secretID, "version "+aws.ToString(out.VersionId), err)
	}

	var created time.Time
	if out.CreatedDate != nil {
		created = *out.CreatedDate
	}
	return &rotation.Version{
		SecretID:  secretID,
		Token:     aws.ToString(out.VersionId),
		Payload:   payload,
		Stages:    stages,
		CreatedAt: created,
	}, nil
}

// PutVersion implements rotation.Store. Secrets Manager moves a staging label
// off its previous holder on write, which gives the pending semantics for free.
func (s *Store) PutVersion(ctx context.Context, secretID, token string, payload rotation.Payload, stage rotation.StageLabel) error {
	versions, err := s.describe(ctx, secretID)
	if err != nil {
		return err
	}
	if labels, exists := versions[token]; exists {
		if contains(fromLabels(labels), stage) {
			return rotation.Errorf(rotation.ErrAlreadyExists, secretID, "version %s already holds %s", token, stage)
		}
		return rotation.Errorf(rotation.ErrTokenConflict, secretID, "version %s already exists", token)
	}

	raw, err := payload.Marshal()
	if err != nil {
		return rotation.NewError(rotation.ErrMalformedSecret, secretID, "cannot serialise payload", err)
	}

	_, err = s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:           aws.String(secretID),
		ClientRequestToken: aws.String(token),
		SecretString:       aws.String(raw),
		VersionStages:      []string{toLabel(stage)},
	})
	if err != nil {
		var exists *types.ResourceExistsException
		if errors.As(err, &exists) {
			return rotation.NewError(rotation.ErrTokenConflict, secretID, "version "+token+" was written concurrently", err)
		}
		return s.handleError(err, secretID, "put version "+token)
	}

	s.logger.Debug("Staged version %s of %s as %s", token, secretID, toLabel(stage))
	return nil
}

// ListStages implements rotation.Store. Versions with only custom labels are
// left out.
func (s *Store) ListStages(ctx context.Context, secretID string) (rotation.StageMap, error) {
	versions, err := s.describe(ctx, secretID)
	if err != nil {
		return nil, err
	}
	stages := make(rotation.StageMap, len(versions))
	for token, labels := range versions {
		if mapped := fromLabels(labels); len(mapped) > 0 {
			stages[token] = mapped
		}
	}
	return stages, nil
}

// MoveStage implements rotation.Store. The precondition is checked against a
// fresh DescribeSecret; Secrets Manager itself rejects the update with
// InvalidParameterException when RemoveFromVersionId no longer holds the label,
// which closes the window between the two calls.
func (s *Store) MoveStage(ctx context.Context, secretID string, stage rotation.StageLabel, toToken, fromToken string) error {
	if !stage.Valid() {
		return rotation.Errorf(rotation.ErrInvalidRequest, secretID, "unknown stage %q", stage)
	}

	stages, err := s.ListStages(ctx, secretID)
	if err != nil {
		return err
	}
	holder := stages.Holder(stage)
	if toToken != "" && holder == toToken {
		return nil
	}
	if holder != fromToken {
		return rotation.Errorf(rotation.ErrStageConflict, secretID,
			"%s is held by %q, expected %q", stage, holder, fromToken)
	}
	if toToken == "" && fromToken == "" {
		return nil
	}

	input := &secretsmanager.UpdateSecretVersionStageInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(toLabel(stage)),
	}
	if toToken != "" {
		input.MoveToVersionId = aws.String(toToken)
	}
	if fromToken != "" {
		input.RemoveFromVersionId = aws.String(fromToken)
	}

	if _, err := s.client.UpdateSecretVersionStage(ctx, input); err != nil {
		var invalidParam *types.InvalidParameterException
		var invalidReq *types.InvalidRequestException
		if errors.As(err, &invalidParam) || errors.As(err, &invalidReq) {
			return rotation.NewError(rotation.ErrStageConflict, secretID, "move "+string(stage)+" rejected", err)
		}
		return s.handleError(err, secretID, "move "+string(stage))
	}

	s.logger.Debug("Moved %s of %s from %q to %q", toLabel(stage), secretID, fromToken, toToken)
	return nil
}

func (s *Store) describe(ctx context.Context, secretID string) (map[string][]string, error) {
	out, err := s.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(secretID)})
	if err != nil {
		return nil, s.handleError(err, secretID, "describe secret")
	}
	return out.VersionIdsToStages, nil
}

// handleError converts AWS errors to rotation errors.
func (s *Store) handleError(err error, secretID, detail string) error {
	if isNotFoundError(err) {
		return rotation.NewError(rotation.ErrNotFound, secretID, detail, err)
	}
	if awsclient.IsAuthError(err) {
		return rotation.NewError(rotation.ErrStoreUnavailable, secretID, "AWS authentication/authorization failed", err)
	}
	return rotation.NewError(rotation.ErrStoreUnavailable, secretID, detail, err)
}

func isNotFoundError(err error) bool {
	var resourceNotFound *types.ResourceNotFoundException
	return errors.As(err, &resourceNotFound)
}

func toLabel(stage rotation.StageLabel) string {
	switch stage {
	case rotation.StageCurrent:
		return LabelCurrent
	case rotation.StagePending:
		return LabelPending
	case rotation.StagePrevious:
		return LabelPrevious
	}
	return string(stage)
}

func fromLabels(labels []string) []rotation.StageLabel {
	var out []rotation.StageLabel
	for _, label := range labels {
		switch label {
		case LabelCurrent:
			out = append(out, rotation.StageCurrent)
		case LabelPending:
			out = append(out, rotation.StagePending)
		case LabelPrevious:
			out = append(out, rotation.StagePrevious)
		}
	}
	return out
}

func contains(stages []rotation.StageLabel, stage rotation.StageLabel) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}
