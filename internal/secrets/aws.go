package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	logpkg "github.com/rzbill/santa/pkg/log"
)

// GetSecretValueAPI is the slice of the Secrets Manager client used here.
type GetSecretValueAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ClientFactory builds a client for a region.
type ClientFactory func(ctx context.Context, region string) (GetSecretValueAPI, error)

// DefaultClientFactory loads the default AWS credential chain.
func DefaultClientFactory(ctx context.Context, region string) (GetSecretValueAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// AWS resolves secrets from AWS Secrets Manager.
type AWS struct {
	newClient ClientFactory
	logger    logpkg.Logger
}

// NewAWS creates a resolver; a nil factory uses DefaultClientFactory.
func NewAWS(factory ClientFactory, logger logpkg.Logger) *AWS {
	if factory == nil {
		factory = DefaultClientFactory
	}
	if logger == nil {
		logger = logpkg.Nop()
	}
	return &AWS{newClient: factory, logger: logger.WithComponent("secrets")}
}

func (a *AWS) Resolve(ctx context.Context, name, region string) (string, error) {
	a.logger.Debug("creating secrets manager client", logpkg.Str("region", region))
	client, err := a.newClient(ctx, region)
	if err != nil {
		return "", err
	}
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %s in %s", ErrNotFound, name, region)
		}
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	var payload []byte
	switch {
	case out.SecretString != nil:
		payload = []byte(aws.ToString(out.SecretString))
	default:
		payload = out.SecretBinary
	}
	tok, err := ParseToken(payload)
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", name, err)
	}
	a.logger.Debug("token retrieved from secrets manager", logpkg.Str("secret", name))
	return tok, nil
}
