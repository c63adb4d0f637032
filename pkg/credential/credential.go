// Package credential defines the credential entity, its on-disk JSON
// format, atomic persistence, and the startup discovery that maps
// providers to credential handles.
package credential

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes the two credential families.
type Kind string

const (
	// KindAPIKey is an opaque bearer secret with no lifecycle.
	KindAPIKey Kind = "api_key"
	// KindOAuth is a refreshable OAuth token set.
	KindOAuth Kind = "oauth"
)

// Metadata is the bookkeeping block persisted under _proxy_metadata.
// Email is the deduplication key across credentials of one provider.
type Metadata struct {
	Email              string  `json:"email"`
	LastCheckTimestamp float64 `json:"last_check_timestamp,omitempty"`
	DisplayName        string  `json:"display_name,omitempty"`
	LoadedFromEnv      bool    `json:"loaded_from_env,omitempty"`
}

// OAuthToken is the OAuth state of a credential as persisted on disk.
// ExpiryDate is epoch milliseconds, matching the CLI credential files the
// proxy interoperates with.
type OAuthToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiryDate   int64  `json:"expiry_date"`
	ResourceURL  string `json:"resource_url,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	TokenURI     string `json:"token_uri,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	Tier         string `json:"tier,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	// APIKey carries the additional key some OAuth providers (iflow)
	// embed next to the token set.
	APIKey string `json:"api_key,omitempty"`
}

// ExpiresAt returns the expiry as a time.Time.
func (t *OAuthToken) ExpiresAt() time.Time {
	return time.UnixMilli(t.ExpiryDate)
}

// ExpiredWithin reports whether the token expires within the given
// buffer. A zero ExpiryDate is treated as already expired.
func (t *OAuthToken) ExpiredWithin(buffer time.Duration, now time.Time) bool {
	return t.ExpiresAt().Before(now.Add(buffer))
}

// Clone returns a copy of the token set.
func (t *OAuthToken) Clone() *OAuthToken {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Document is the full persisted form of an OAuth credential file.
type Document struct {
	OAuthToken
	Meta Metadata `json:"_proxy_metadata,omitempty"`
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// Credential is one authentication principal for one provider.
type Credential struct {
	// ID is stable across restarts: the file basename for file-backed
	// credentials, "provider/apikey/N" for env API keys, or the env://
	// source for virtual OAuth credentials.
	ID       string
	Provider string
	Kind     Kind
	// Source is a filesystem path or a virtual env://provider/N reference.
	// Empty for API keys taken directly from the environment.
	Source  string
	APIKey  string
	BaseURL string
	Meta    Metadata
}

// IsOAuth reports whether the credential has a refreshable token set.
func (c *Credential) IsOAuth() bool { return c.Kind == KindOAuth }

// EnvSource builds the virtual source reference for an env-assembled
// OAuth credential.
func EnvSource(provider, index string) string {
	return fmt.Sprintf("env://%s/%s", provider, index)
}

// ParseEnvSource splits an env:// source into provider and index.
// The legacy unnumbered form maps to index "0".
func ParseEnvSource(source string) (provider, index string, ok bool) {
	rest, ok := strings.CutPrefix(source, "env://")
	if !ok {
		return "", "", false
	}
	provider, index, found := strings.Cut(rest, "/")
	if !found || index == "" {
		index = "0"
	}
	return provider, index, provider != ""
}
