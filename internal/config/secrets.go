package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/ComUnity/web3analytics/internal/util/logger"
)

const (
	ssmPrefix            = "ssm:"
	secretsManagerPrefix = "secretsmanager:"
)

// SSMParameterStoreClient defines an interface for AWS SSM client
type SSMParameterStoreClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SecretsManagerClient defines a minimal interface for AWS Secrets Manager
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretResolver turns "ssm:/path" and "secretsmanager:name" references in
// the config into their stored values.
type SecretResolver struct {
	ssm     SSMParameterStoreClient
	secrets SecretsManagerClient
}

// NewSecretResolver creates a resolver with default AWS config
func NewSecretResolver(ctx context.Context) (*SecretResolver, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SecretResolver{
		ssm:     ssm.NewFromConfig(cfg),
		secrets: secretsmanager.NewFromConfig(cfg),
	}, nil
}

// NewSecretResolverWithClients is used by tests and by callers that already
// hold AWS clients.
func NewSecretResolverWithClients(ssmClient SSMParameterStoreClient, smClient SecretsManagerClient) *SecretResolver {
	return &SecretResolver{ssm: ssmClient, secrets: smClient}
}

// HasSecretRefs reports whether any resolvable field holds a reference.
func HasSecretRefs(cfg *Config) bool {
	for _, p := range secretFields(cfg) {
		if isSecretRef(*p) {
			return true
		}
	}
	return false
}

// Resolve replaces every secret reference in cfg in place.
func (r *SecretResolver) Resolve(ctx context.Context, cfg *Config) error {
	for _, p := range secretFields(cfg) {
		if !isSecretRef(*p) {
			continue
		}
		v, err := r.resolve(ctx, *p)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}

func (r *SecretResolver) resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, ssmPrefix):
		return r.getParameter(ctx, strings.TrimPrefix(ref, ssmPrefix))
	case strings.HasPrefix(ref, secretsManagerPrefix):
		return r.getSecret(ctx, strings.TrimPrefix(ref, secretsManagerPrefix))
	}
	return ref, nil
}

func (r *SecretResolver) getParameter(ctx context.Context, paramName string) (string, error) {
	if r.ssm == nil {
		return "", fmt.Errorf("ssm client not configured for %s", paramName)
	}
	logger.Infof("[SecretResolver] Retrieving parameter: %s", paramName)

	result, err := r.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(paramName),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		logger.Errorf("[SecretResolver] Failed to get parameter %s: %v", paramName, err)
		return "", fmt.Errorf("failed to get parameter: %w", err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter value is nil: %s", paramName)
	}
	return *result.Parameter.Value, nil
}

func (r *SecretResolver) getSecret(ctx context.Context, secretName string) (string, error) {
	if r.secrets == nil {
		return "", fmt.Errorf("secrets manager client not configured for %s", secretName)
	}
	logger.Infof("[SecretResolver] Retrieving secret: %s", secretName)

	result, err := r.secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		logger.Errorf("[SecretResolver] Failed to get secret %s: %v", secretName, err)
		return "", fmt.Errorf("failed to get secret: %w", err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret value is nil: %s", secretName)
	}
	return *result.SecretString, nil
}

func secretFields(cfg *Config) []*string {
	return []*string{
		&cfg.JSONRPCURL,
		&cfg.Relay.URL,
		&cfg.DocStore.DatabaseURL,
		&cfg.Storage.RedisURL,
		&cfg.Telemetry.Kafka.Password,
	}
}

func isSecretRef(v string) bool {
	return strings.HasPrefix(v, ssmPrefix) || strings.HasPrefix(v, secretsManagerPrefix)
}
