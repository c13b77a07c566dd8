// Package secret retrieves secrets from SSM Parameter Store, or from
// environment variables in DEV_MODE.
package secret

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/jun/agentsync/internal/config"
)

// SSMClient is the subset of *ssm.Client methods used by SSMResolver.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver retrieves secret values by name.
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SSMResolver fetches secrets from AWS Systems Manager Parameter Store.
type SSMResolver struct {
	client SSMClient
}

// NewSSMResolver returns a Resolver backed by SSM Parameter Store.
func NewSSMResolver(client SSMClient) Resolver {
	return &SSMResolver{client: client}
}

// GetSecret retrieves a SecureString parameter with decryption.
func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

// EnvResolver reads the environment variable derived from the last
// segment of the parameter name ("/agentsync/jwt-secret" -> "JWT_SECRET").
type EnvResolver struct{}

// NewEnvResolver returns a Resolver that reads from environment variables.
func NewEnvResolver() Resolver {
	return &EnvResolver{}
}

func (r *EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	envName := paramNameToEnvVar(name)
	val := os.Getenv(envName)
	if val == "" {
		return "", fmt.Errorf("environment variable %q (from param %q) is not set", envName, name)
	}
	return val, nil
}

func paramNameToEnvVar(name string) string {
	parts := strings.Split(name, "/")
	last := parts[len(parts)-1]
	return strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
}

// Secrets holds every resolved secret the services need.
type Secrets struct {
	GeminiAPIKey     string
	JWTSecret        string
	APIGatewaySecret string
	DriveCredentials string
}

// Load resolves every parameter named in params. The JWT secret is always
// required; the rest are required outside dev mode only.
func Load(ctx context.Context, r Resolver, params config.SecretsConfig, devMode bool) (*Secrets, error) {
	s := &Secrets{}
	entries := []struct {
		param    string
		dst      *string
		required bool
	}{
		{params.JWTSecretParam, &s.JWTSecret, true},
		{params.APIGatewaySecretParam, &s.APIGatewaySecret, !devMode},
		{params.GeminiAPIKeyParam, &s.GeminiAPIKey, !devMode},
		{params.DriveCredentialsParam, &s.DriveCredentials, !devMode},
	}
	for _, e := range entries {
		val, err := r.GetSecret(ctx, e.param)
		if err != nil {
			if e.required {
				return nil, fmt.Errorf("failed to resolve %s: %w", e.param, err)
			}
			continue
		}
		*e.dst = val
	}
	return s, nil
}
