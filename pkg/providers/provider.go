// Package providers implements the per-provider authentication adapters:
// plain API keys and OAuth device-code credentials with automatic
// refresh, failure backoff, and interactive re-authorization.
package providers

import (
	"context"

	"github.com/berthojoris/llm-rotator-proxy/pkg/credential"
	"github.com/berthojoris/llm-rotator-proxy/pkg/reauth"
)

// Auth is the capability set every provider adapter implements. OAuth
// adapters own a refresh queue and a backoff tracker; the API-key
// adapter satisfies the interface with no-ops.
type Auth interface {
	// Provider returns the symbolic provider name.
	Provider() string

	// Initialize validates a credential at startup, refreshing or
	// re-authorizing as needed, and returns the resulting document.
	Initialize(ctx context.Context, cred *credential.Credential) (*credential.Document, error)

	// APIDetails resolves the base URL and bearer token for a request,
	// refreshing inline when the token is within the expiry buffer.
	APIDetails(ctx context.Context, cred *credential.Credential) (baseURL, token string, err error)

	// UserInfo returns the identity email used for deduplication. May be
	// empty for providers without a user endpoint.
	UserInfo(ctx context.Context, cred *credential.Credential) (string, error)

	// Refresh performs a token refresh under the per-credential lock.
	// Called by the refresh queue and by APIDetails.
	Refresh(ctx context.Context, source string, force bool) error

	// InteractiveReauth runs the device-code flow through the global
	// re-auth coordinator.
	InteractiveReauth(ctx context.Context, source string) (*credential.Document, error)

	// Available reports whether the credential may be selected by the
	// rotator (not queued, not refreshing, TTL-reaped).
	Available(id string) bool

	// EnqueueRefresh submits an asynchronous refresh request.
	EnqueueRefresh(id string, force, needsReauth bool)

	// MarkUnavailable / MarkAvailable adjust rotation availability
	// without queueing work (Retry-After windows).
	MarkUnavailable(id string)
	MarkAvailable(id string)

	// ProactivelyRefresh enqueues a refresh if the credential is within
	// the expiry buffer. Used by the background refresher.
	ProactivelyRefresh(ctx context.Context, source string)

	// Close stops background workers owned by the adapter.
	Close()
}

// Build constructs the adapter for a provider: an OAuth adapter when a
// device-flow endpoint is registered for the name, an API-key adapter
// otherwise.
func Build(provider string, store *credential.Store, coordinator *reauth.Coordinator) Auth {
	if ep, ok := EndpointFor(provider); ok {
		return NewOAuthAuth(ep, store, coordinator)
	}
	return NewAPIKeyAuth(provider)
}
