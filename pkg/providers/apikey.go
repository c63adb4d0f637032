package providers

import (
	"context"
	"fmt"

	"github.com/berthojoris/llm-rotator-proxy/pkg/credential"
)

// APIKeyAuth is the trivial adapter for providers authenticated by a
// static key. Keys have no lifecycle, so refresh and re-auth are no-ops
// and every credential is always available.
type APIKeyAuth struct {
	provider string
}

// NewAPIKeyAuth creates an adapter for the named provider.
func NewAPIKeyAuth(provider string) *APIKeyAuth {
	return &APIKeyAuth{provider: provider}
}

// Provider returns the provider name.
func (a *APIKeyAuth) Provider() string { return a.provider }

// Initialize validates the credential shape. No network call is made.
func (a *APIKeyAuth) Initialize(_ context.Context, cred *credential.Credential) (*credential.Document, error) {
	if cred.APIKey == "" {
		return nil, fmt.Errorf("%s credential %s has an empty API key", a.provider, cred.ID)
	}
	return &credential.Document{Meta: cred.Meta}, nil
}

// APIDetails returns the configured or default base URL and the key
// verbatim.
func (a *APIKeyAuth) APIDetails(_ context.Context, cred *credential.Credential) (string, string, error) {
	base := cred.BaseURL
	if base == "" {
		base = DefaultBaseURL(a.provider)
	}
	if base == "" {
		return "", "", fmt.Errorf("no base URL known for provider %s", a.provider)
	}
	return base, cred.APIKey, nil
}

// UserInfo returns empty; API keys carry no identity and are treated as
// unique per credential.
func (a *APIKeyAuth) UserInfo(context.Context, *credential.Credential) (string, error) {
	return "", nil
}

// Refresh is a no-op for API keys.
func (a *APIKeyAuth) Refresh(context.Context, string, bool) error { return nil }

// InteractiveReauth is not applicable to API keys.
func (a *APIKeyAuth) InteractiveReauth(context.Context, string) (*credential.Document, error) {
	return nil, fmt.Errorf("provider %s does not support interactive re-authorization", a.provider)
}

// Available always reports true.
func (a *APIKeyAuth) Available(string) bool { return true }

// EnqueueRefresh is a no-op for API keys.
func (a *APIKeyAuth) EnqueueRefresh(string, bool, bool) {}

// MarkUnavailable is a no-op; rate-limit windows for API keys are
// tracked by the rotator itself.
func (a *APIKeyAuth) MarkUnavailable(string) {}

// MarkAvailable is a no-op.
func (a *APIKeyAuth) MarkAvailable(string) {}

// ProactivelyRefresh is a no-op for API keys.
func (a *APIKeyAuth) ProactivelyRefresh(context.Context, string) {}

// Close is a no-op.
func (a *APIKeyAuth) Close() {}
