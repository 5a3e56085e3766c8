package coinbase

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthType represents the authentication method
type AuthType string

const (
	AuthTypeLegacy AuthType = "legacy"
	AuthTypeJWT    AuthType = "jwt"
)

// Authenticator signs REST requests and WebSocket subscriptions.
type Authenticator interface {
	AddAuthHeaders(req *http.Request, method, path, body string) error
	SignSubscription(sub *subscribeMessage) error
}

// Credentials selects and configures an Authenticator.
type Credentials struct {
	Type       AuthType
	APIKey     string
	APISecret  string
	Passphrase string
	// KeyName and PrivateKey are the CDP key used for JWT auth.
	KeyName    string
	PrivateKey string
}

// NewAuthenticator builds the authenticator for creds. An empty type picks JWT
// when a private key is present.
func NewAuthenticator(creds Credentials) (Authenticator, error) {
	typ := creds.Type
	if typ == "" {
		typ = AuthTypeLegacy
		if creds.PrivateKey != "" {
			typ = AuthTypeJWT
		}
	}
	switch typ {
	case AuthTypeJWT:
		return NewJWTAuthenticator(creds.KeyName, creds.PrivateKey)
	case AuthTypeLegacy:
		if creds.APIKey == "" || creds.APISecret == "" {
			return nil, fmt.Errorf("legacy auth requires api key and secret")
		}
		return NewLegacyAuthenticator(creds.APIKey, creds.APISecret, creds.Passphrase), nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", typ)
	}
}

// LegacyAuthenticator uses the traditional API Key/Secret/Passphrase
type LegacyAuthenticator struct {
	apiKey     string
	apiSecret  string
	passphrase string
	now        func() time.Time
}

func NewLegacyAuthenticator(apiKey, apiSecret, passphrase string) *LegacyAuthenticator {
	return &LegacyAuthenticator{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
		now:        time.Now,
	}
}

func (l *LegacyAuthenticator) AddAuthHeaders(req *http.Request, method, path, body string) error {
	timestamp := strconv.FormatInt(l.now().Unix(), 10)

	req.Header.Set("CB-ACCESS-KEY", l.apiKey)
	req.Header.Set("CB-ACCESS-SIGN", computeHMAC(timestamp+method+path+body, l.apiSecret))
	req.Header.Set("CB-ACCESS-TIMESTAMP", timestamp)
	if l.passphrase != "" {
		req.Header.Set("CB-ACCESS-PASSPHRASE", l.passphrase)
	}
	return nil
}

// SignSubscription signs timestamp + channel + comma separated products.
func (l *LegacyAuthenticator) SignSubscription(sub *subscribeMessage) error {
	timestamp := strconv.FormatInt(l.now().Unix(), 10)
	sub.APIKey = l.apiKey
	sub.Timestamp = timestamp
	sub.Signature = computeHMAC(timestamp+sub.Channel+strings.Join(sub.ProductIDs, ","), l.apiSecret)
	return nil
}

func computeHMAC(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// JWTAuthenticator uses the new JWT-based authentication
type JWTAuthenticator struct {
	apiKeyName string
	privateKey *ecdsa.PrivateKey
	now        func() time.Time
}

func NewJWTAuthenticator(apiKeyName, privateKeyPEM string) (*JWTAuthenticator, error) {
	if _, _, err := parseAPIKeyName(apiKeyName); err != nil {
		return nil, err
	}
	// Keys pasted into env files often carry literal \n sequences.
	privateKeyPEM = strings.ReplaceAll(privateKeyPEM, `\n`, "\n")

	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC private key: %w", err)
		}
		var ok bool
		privateKey, ok = key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an EC private key")
		}
	}

	return &JWTAuthenticator{
		apiKeyName: apiKeyName,
		privateKey: privateKey,
		now:        time.Now,
	}, nil
}

func (j *JWTAuthenticator) AddAuthHeaders(req *http.Request, method, path, _ string) error {
	token, err := j.generateJWT(method + " " + req.URL.Host + path)
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// SignSubscription attaches a token without a uri claim, as WebSocket
// subscriptions require.
func (j *JWTAuthenticator) SignSubscription(sub *subscribeMessage) error {
	token, err := j.generateJWT("")
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}
	sub.JWT = token
	return nil
}

func (j *JWTAuthenticator) generateJWT(uri string) (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	now := j.now()
	claims := jwt.MapClaims{
		"sub": j.apiKeyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
	}
	if uri != "" {
		claims["uri"] = uri
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = j.apiKeyName
	token.Header["nonce"] = nonce

	tokenString, err := token.SignedString(j.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// parseAPIKeyName extracts the org ID and key ID from the API key name
func parseAPIKeyName(apiKeyName string) (orgID, keyID string, err error) {
	// Expected format: organizations/{org_id}/apiKeys/{key_id}
	parts := strings.Split(apiKeyName, "/")
	if len(parts) != 4 || parts[0] != "organizations" || parts[2] != "apiKeys" {
		return "", "", fmt.Errorf("invalid API key name format")
	}
	return parts[1], parts[3], nil
}
