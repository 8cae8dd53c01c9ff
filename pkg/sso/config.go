package sso

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/emissary-hq/emissary/pkg/auth"
)

// Settings keys in the settings store.
const (
	settingKeySAML = "sso.saml"
	settingKeyOIDC = "sso.oidc"
)

// ConfigProvider supplies the current provider settings. Implementations may
// read from a store on every call so that admin changes take effect without a
// restart.
type ConfigProvider interface {
	SAML(ctx context.Context) (*SAMLSettings, error)
	OIDC(ctx context.Context) (*OIDCSettings, error)
}

// StaticProvider serves fixed settings, used for environment-based
// deployments and tests.
type StaticProvider struct {
	SAMLSettings *SAMLSettings
	OIDCSettings *OIDCSettings
}

func (p *StaticProvider) SAML(_ context.Context) (*SAMLSettings, error) {
	return p.SAMLSettings, nil
}

func (p *StaticProvider) OIDC(_ context.Context) (*OIDCSettings, error) {
	return p.OIDCSettings, nil
}

// FallbackProvider consults Primary first and falls back to Secondary when
// the primary has no usable settings. Used to layer store-managed settings
// over environment defaults.
type FallbackProvider struct {
	Primary   ConfigProvider
	Secondary ConfigProvider
}

func (p *FallbackProvider) SAML(ctx context.Context) (*SAMLSettings, error) {
	settings, err := p.Primary.SAML(ctx)
	if err == nil && settings.Configured() {
		return settings, nil
	}
	return p.Secondary.SAML(ctx)
}

func (p *FallbackProvider) OIDC(ctx context.Context) (*OIDCSettings, error) {
	settings, err := p.Primary.OIDC(ctx)
	if err == nil && settings.Configured() {
		return settings, nil
	}
	return p.Secondary.OIDC(ctx)
}

// SettingsReader is the subset of the settings store the provider needs.
type SettingsReader interface {
	GetSetting(ctx context.Context, key string) (string, error)
}

// StoreProvider reads provider settings as JSON documents from the settings
// store. Absent documents mean the provider is not configured.
type StoreProvider struct {
	store SettingsReader
}

// NewStoreProvider creates a store-backed config provider.
func NewStoreProvider(store SettingsReader) *StoreProvider {
	return &StoreProvider{store: store}
}

func (p *StoreProvider) SAML(ctx context.Context) (*SAMLSettings, error) {
	var settings SAMLSettings
	if err := p.load(ctx, settingKeySAML, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (p *StoreProvider) OIDC(ctx context.Context) (*OIDCSettings, error) {
	var settings OIDCSettings
	if err := p.load(ctx, settingKeyOIDC, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (p *StoreProvider) load(ctx context.Context, key string, out interface{}) error {
	doc, err := p.store.GetSetting(ctx, key)
	if err == auth.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load %s settings: %w", key, err)
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return fmt.Errorf("failed to parse %s settings: %w", key, err)
	}
	return nil
}
