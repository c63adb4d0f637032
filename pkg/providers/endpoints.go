package providers

import "time"

// RefreshExpiryBuffer is how far ahead of expiry a token is considered
// due for refresh.
const RefreshExpiryBuffer = 3 * time.Hour

// Endpoint describes one OAuth provider's device-code flow.
type Endpoint struct {
	Provider       string
	ClientID       string
	ClientSecret   string
	Scope          string
	DeviceAuthURL  string
	TokenURL       string
	DefaultBaseURL string
	// Google routes refresh and device authorization through
	// golang.org/x/oauth2 (standard Google endpoints, per-credential
	// client id/secret overrides honored).
	Google bool
	// PreferAPIKey makes APIDetails hand out the api_key field embedded
	// in the credential document instead of the access token.
	PreferAPIKey bool
}

var oauthEndpoints = map[string]Endpoint{
	"qwen_code": {
		Provider:       "qwen_code",
		ClientID:       "f0304373b74a44d2b584a3fb70ca9e56",
		Scope:          "openid profile email model.completion",
		DeviceAuthURL:  "https://chat.qwen.ai/api/v1/oauth2/device/code",
		TokenURL:       "https://chat.qwen.ai/api/v1/oauth2/token",
		DefaultBaseURL: "https://portal.qwen.ai/v1",
	},
	"gemini_cli": {
		Provider:       "gemini_cli",
		ClientID:       "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
		ClientSecret:   "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",
		Scope:          "https://www.googleapis.com/auth/cloud-platform https://www.googleapis.com/auth/userinfo.email https://www.googleapis.com/auth/userinfo.profile",
		DeviceAuthURL:  "https://oauth2.googleapis.com/device/code",
		TokenURL:       "https://oauth2.googleapis.com/token",
		DefaultBaseURL: "https://generativelanguage.googleapis.com/v1beta",
		Google:         true,
	},
	"antigravity": {
		Provider:       "antigravity",
		ClientID:       "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
		ClientSecret:   "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",
		Scope:          "https://www.googleapis.com/auth/cloud-platform https://www.googleapis.com/auth/userinfo.email",
		DeviceAuthURL:  "https://oauth2.googleapis.com/device/code",
		TokenURL:       "https://oauth2.googleapis.com/token",
		DefaultBaseURL: "https://generativelanguage.googleapis.com/v1beta",
		Google:         true,
	},
	"iflow": {
		Provider:       "iflow",
		ClientID:       "f0304373b74a44d2b584a3fb70ca9e56",
		Scope:          "openid profile email model.completion",
		DeviceAuthURL:  "https://api.kilocode.ai/api/v1/oauth2/device/code",
		TokenURL:       "https://api.kilocode.ai/api/v1/oauth2/token",
		DefaultBaseURL: "https://api.kilocode.ai/v1",
		PreferAPIKey:   true,
	},
}

// EndpointFor returns the OAuth endpoint configuration for a provider.
func EndpointFor(provider string) (Endpoint, bool) {
	ep, ok := oauthEndpoints[provider]
	return ep, ok
}

// OAuthProviders returns the names of all OAuth-capable providers.
func OAuthProviders() []string {
	out := make([]string, 0, len(oauthEndpoints))
	for name := range oauthEndpoints {
		out = append(out, name)
	}
	return out
}
