package secret

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/agentsync/internal/config"
)

type fakeSSMClient struct {
	params map[string]string
}

func (f *fakeSSMClient) GetParameter(_ context.Context, input *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	val, ok := f.params[*input.Name]
	if !ok {
		return nil, fmt.Errorf("parameter not found: %s", *input.Name)
	}
	return &ssm.GetParameterOutput{
		Parameter: &ssmtypes.Parameter{Name: input.Name, Value: aws.String(val)},
	}, nil
}

var testParams = config.SecretsConfig{
	GeminiAPIKeyParam:     "/agentsync/gemini-api-key",
	JWTSecretParam:        "/agentsync/jwt-secret",
	APIGatewaySecretParam: "/agentsync/api-gateway-secret",
	DriveCredentialsParam: "/agentsync/drive-credentials",
}

func TestSSMResolver_GetSecret(t *testing.T) {
	resolver := NewSSMResolver(&fakeSSMClient{params: map[string]string{
		"/agentsync/jwt-secret": "super-secret-value",
	}})

	val, err := resolver.GetSecret(context.Background(), "/agentsync/jwt-secret")
	require.NoError(t, err)
	assert.Equal(t, "super-secret-value", val)

	_, err = resolver.GetSecret(context.Background(), "/agentsync/nonexistent")
	assert.Error(t, err)
}

func TestEnvResolver_GetSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "env-secret-value")
	resolver := NewEnvResolver()

	val, err := resolver.GetSecret(context.Background(), "/agentsync/jwt-secret")
	require.NoError(t, err)
	assert.Equal(t, "env-secret-value", val)

	_, err = resolver.GetSecret(context.Background(), "/agentsync/nonexistent-secret")
	assert.Error(t, err)
}

func TestParamNameToEnvVar(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/agentsync/jwt-secret", "JWT_SECRET"},
		{"/agentsync/gemini-api-key", "GEMINI_API_KEY"},
		{"/agentsync/drive-credentials", "DRIVE_CREDENTIALS"},
		{"plain", "PLAIN"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, paramNameToEnvVar(tc.input), tc.input)
	}
}

func TestLoad(t *testing.T) {
	all := map[string]string{
		"/agentsync/gemini-api-key":     "gemini",
		"/agentsync/jwt-secret":         "jwt",
		"/agentsync/api-gateway-secret": "origin",
		"/agentsync/drive-credentials":  `{"type":"service_account"}`,
	}

	t.Run("all resolved", func(t *testing.T) {
		s, err := Load(context.Background(), NewSSMResolver(&fakeSSMClient{params: all}), testParams, false)
		require.NoError(t, err)
		assert.Equal(t, &Secrets{
			GeminiAPIKey:     "gemini",
			JWTSecret:        "jwt",
			APIGatewaySecret: "origin",
			DriveCredentials: `{"type":"service_account"}`,
		}, s)
	})

	t.Run("jwt secret is always required", func(t *testing.T) {
		_, err := Load(context.Background(), NewSSMResolver(&fakeSSMClient{}), testParams, true)
		assert.ErrorContains(t, err, "/agentsync/jwt-secret")
	})

	t.Run("dev mode tolerates missing service secrets", func(t *testing.T) {
		client := &fakeSSMClient{params: map[string]string{"/agentsync/jwt-secret": "jwt"}}
		s, err := Load(context.Background(), NewSSMResolver(client), testParams, true)
		require.NoError(t, err)
		assert.Equal(t, "jwt", s.JWTSecret)
		assert.Empty(t, s.GeminiAPIKey)
	})

	t.Run("production requires service secrets", func(t *testing.T) {
		client := &fakeSSMClient{params: map[string]string{"/agentsync/jwt-secret": "jwt"}}
		_, err := Load(context.Background(), NewSSMResolver(client), testParams, false)
		assert.Error(t, err)
	})
}
