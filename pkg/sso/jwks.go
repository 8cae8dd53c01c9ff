package sso

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
)

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// KeyCache fetches provider signing keys by key ID and caches the parsed RSA
// public keys. On a cache miss the JWKS document is re-fetched, which also
// picks up provider key rotation.
type KeyCache struct {
	client *http.Client
	cache  *lru.Cache[string, *rsa.PublicKey]
}

// NewKeyCache creates a key cache using client for JWKS fetches.
func NewKeyCache(client *http.Client) (*KeyCache, error) {
	cache, err := lru.New[string, *rsa.PublicKey](64)
	if err != nil {
		return nil, fmt.Errorf("failed to create key cache: %w", err)
	}
	return &KeyCache{client: client, cache: cache}, nil
}

// Key returns the RSA public key with the given kid from jwksURL.
func (kc *KeyCache) Key(ctx context.Context, jwksURL, kid string) (*rsa.PublicKey, error) {
	cacheKey := jwksURL + "#" + kid
	if key, ok := kc.cache.Get(cacheKey); ok {
		return key, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build jwks request: %w", err)
	}
	resp, err := kc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode jwks document: %w", err)
	}

	var found *rsa.PublicKey
	for _, jwk := range doc.Keys {
		if jwk.Kty != "RSA" {
			continue
		}
		key, err := jwk.publicKey()
		if err != nil {
			continue
		}
		kc.cache.Add(jwksURL+"#"+jwk.Kid, key)
		if jwk.Kid == kid {
			found = key
		}
	}
	if found == nil {
		return nil, fmt.Errorf("no RSA key with kid %q in jwks", kid)
	}
	return found, nil
}

func (k *jwksKey) publicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() <= 0 {
		return nil, fmt.Errorf("invalid exponent value")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}
