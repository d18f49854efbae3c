package securestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// SSMAPI is the subset of the SSM client used by SSMStore.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	DeleteParameter(ctx context.Context, in *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
}

// SSMStore keeps each key as a SecureString parameter in AWS Systems Manager
// Parameter Store, encrypted with the account's KMS key (or KMSKeyID).
//
// SSM rejects empty values, so Set with "" deletes the parameter. Callers of
// Store treat absent and empty alike.
type SSMStore struct {
	client   SSMAPI
	prefix   string
	kmsKeyID string
}

// SSMConfig configures an SSMStore.
type SSMConfig struct {
	Region   string
	Prefix   string
	KMSKeyID string
}

// NewSSMStore wraps an existing client.
func NewSSMStore(client SSMAPI, prefix, kmsKeyID string) *SSMStore {
	return &SSMStore{
		client:   client,
		prefix:   normalizePrefix(prefix),
		kmsKeyID: kmsKeyID,
	}
}

// NewSSMStoreFromConfig loads the default AWS configuration for the region.
func NewSSMStoreFromConfig(ctx context.Context, cfg SSMConfig) (*SSMStore, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSSMStore(ssm.NewFromConfig(awsCfg), cfg.Prefix, cfg.KMSKeyID), nil
}

func (s *SSMStore) Get(ctx context.Context, key string) (string, bool, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.name(key)),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("SSM GetParameter failed: %w", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", false, nil
	}
	return *out.Parameter.Value, true, nil
}

func (s *SSMStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if value == "" {
		_, err := s.client.DeleteParameter(ctx, &ssm.DeleteParameterInput{
			Name: aws.String(s.name(key)),
		})
		var notFound *types.ParameterNotFound
		if err != nil && !errors.As(err, &notFound) {
			return fmt.Errorf("SSM DeleteParameter failed: %w", err)
		}
		return nil
	}

	in := &ssm.PutParameterInput{
		Name:      aws.String(s.name(key)),
		Value:     aws.String(value),
		Type:      types.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	}
	if s.kmsKeyID != "" {
		in.KeyId = aws.String(s.kmsKeyID)
	}
	if _, err := s.client.PutParameter(ctx, in); err != nil {
		return fmt.Errorf("SSM PutParameter failed: %w", err)
	}
	return nil
}

func (s *SSMStore) name(key string) string {
	return s.prefix + key
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return "/biolink/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
