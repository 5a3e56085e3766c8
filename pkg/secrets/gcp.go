package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// Source resolves secret names to values.
type Source interface {
	GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string
}

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

// NewGCPSecretManager connects with application default credentials, or
// with credentialsFile when it is set.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}, nil
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)

	result, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return string(result.Payload.Data), nil
}

func (g *GCPSecretManager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	if secretName == "" {
		return defaultValue
	}
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		g.logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return strings.TrimSpace(value)
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// SecretNames maps each exchange credential to its secret name.
type SecretNames struct {
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"`
	// JWT keys: organizations/{org_id}/apiKeys/{key_id} and the EC key PEM.
	APIKeyName string `mapstructure:"api_key_name"`
	PrivateKey string `mapstructure:"private_key"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		APIKey:     "coinbase-api-key",
		APISecret:  "coinbase-api-secret",
		Passphrase: "coinbase-passphrase",
		APIKeyName: "coinbase-api-key-name",
		PrivateKey: "coinbase-private-key",
	}
}

// Credentials are the values SecretNames point at.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
	APIKeyName string
	PrivateKey string
}

// Fill sets every empty field of creds from src. Values already present,
// from the config file or environment, win.
func Fill(ctx context.Context, src Source, names SecretNames, creds *Credentials) {
	fill := func(dst *string, name string) {
		if *dst == "" {
			*dst = src.GetSecretWithDefault(ctx, name, "")
		}
	}
	fill(&creds.APIKey, names.APIKey)
	fill(&creds.APISecret, names.APISecret)
	fill(&creds.Passphrase, names.Passphrase)
	fill(&creds.APIKeyName, names.APIKeyName)
	fill(&creds.PrivateKey, names.PrivateKey)
}
