package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type mapSource map[string]string

func (m mapSource) GetSecretWithDefault(_ context.Context, name, def string) string {
	if v, ok := m[name]; ok {
		return v
	}
	return def
}

func TestFill_KeepsExistingValues(t *testing.T) {
	src := mapSource{
		"coinbase-api-key":      "from-secret",
		"coinbase-api-secret":   "s3cret",
		"coinbase-private-key":  "pem",
		"coinbase-api-key-name": "organizations/o/apiKeys/k",
	}
	creds := Credentials{APIKey: "from-env"}

	Fill(context.Background(), src, DefaultSecretNames(), &creds)

	assert.Equal(t, Credentials{
		APIKey:     "from-env",
		APISecret:  "s3cret",
		APIKeyName: "organizations/o/apiKeys/k",
		PrivateKey: "pem",
	}, creds)
}
