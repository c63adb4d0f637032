package credential

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	apiKeyPattern   = regexp.MustCompile(`^([A-Z0-9]+(?:_[A-Z0-9]+)*?)_API_KEY(?:_(\d+))?$`)
	envOAuthPattern = regexp.MustCompile(`^([A-Z0-9]+(?:_[A-Z0-9]+)*?)(?:_(\d+))?_ACCESS_TOKEN$`)
)

// Manager resolves the environment and the credential directory into a
// provider -> credential mapping at startup.
type Manager struct {
	store   *Store
	environ func() []string
}

// NewManager creates a manager over the given store.
func NewManager(store *Store) *Manager {
	return &Manager{store: store, environ: os.Environ}
}

// SetEnviron overrides the environment source, for tests.
func (m *Manager) SetEnviron(environ func() []string) { m.environ = environ }

// DiscoverAndPrepare enumerates every credential candidate: API keys from
// {PROVIDER}_API_KEY_{N} variables, OAuth files from the credential
// directory, and virtual OAuth credentials assembled from
// {PROVIDER}_{N}_ACCESS_TOKEN variables. Duplicate (provider, email)
// pairs are skipped with a warning; the first enumerated wins. Corrupt
// files are skipped and enumeration continues.
func (m *Manager) DiscoverAndPrepare() (map[string][]*Credential, error) {
	out := make(map[string][]*Credential)
	seen := make(map[string]bool) // provider + "\x00" + email

	add := func(c *Credential) {
		if c.Kind == KindOAuth && c.Meta.Email != "" {
			key := c.Provider + "\x00" + c.Meta.Email
			if seen[key] {
				log.Printf("credential: skipping %s: duplicate of another %s credential for %q", c.ID, c.Provider, c.Meta.Email)
				return
			}
			seen[key] = true
		}
		out[c.Provider] = append(out[c.Provider], c)
	}

	for _, c := range m.discoverAPIKeys() {
		add(c)
	}

	files, err := m.store.DiscoverFiles()
	if err != nil {
		return nil, err
	}
	providers := make([]string, 0, len(files))
	for p := range files {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, provider := range providers {
		for _, path := range files[provider] {
			doc, err := m.store.Load(path)
			if err != nil {
				log.Printf("credential: skipping %s: %v", path, err)
				continue
			}
			add(&Credential{
				ID:       filepath.Base(path),
				Provider: provider,
				Kind:     KindOAuth,
				Source:   path,
				Meta:     doc.Meta,
			})
		}
	}

	for _, c := range m.discoverEnvOAuth() {
		add(c)
	}

	return out, nil
}

// discoverAPIKeys finds {PROVIDER}_API_KEY and {PROVIDER}_API_KEY_{N}
// variables. PROXY_API_KEY is the proxy's own bearer token, not a
// provider credential.
func (m *Manager) discoverAPIKeys() []*Credential {
	var creds []*Credential
	for _, kv := range m.environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || name == "PROXY_API_KEY" {
			continue
		}
		mm := apiKeyPattern.FindStringSubmatch(name)
		if mm == nil {
			continue
		}
		provider := strings.ToLower(mm[1])
		index := mm[2]
		if index == "" {
			index = "0"
		}
		creds = append(creds, &Credential{
			ID:       fmt.Sprintf("%s/apikey/%s", provider, index),
			Provider: provider,
			Kind:     KindAPIKey,
			APIKey:   value,
			BaseURL:  m.getenvFirst(strings.ToUpper(provider) + "_BASE_URL"),
		})
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].ID < creds[j].ID })
	return creds
}

// discoverEnvOAuth finds virtual OAuth credentials. Both the numbered
// {PROVIDER}_{N}_ACCESS_TOKEN form and the legacy unnumbered
// {PROVIDER}_ACCESS_TOKEN form (index 0) are recognized.
func (m *Manager) discoverEnvOAuth() []*Credential {
	var creds []*Credential
	for _, kv := range m.environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		mm := envOAuthPattern.FindStringSubmatch(name)
		if mm == nil {
			continue
		}
		provider := strings.ToLower(mm[1])
		index := mm[2]
		if index == "" {
			index = "0"
		}
		if _, err := strconv.Atoi(index); err != nil {
			continue
		}
		source := EnvSource(provider, index)
		doc, err := m.store.Load(source)
		if err != nil {
			log.Printf("credential: skipping %s: %v", source, err)
			continue
		}
		creds = append(creds, &Credential{
			ID:       source,
			Provider: provider,
			Kind:     KindOAuth,
			Source:   source,
			Meta:     doc.Meta,
		})
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].ID < creds[j].ID })
	return creds
}

func (m *Manager) getenvFirst(name string) string {
	prefix := name + "="
	for _, kv := range m.environ() {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):]
		}
	}
	return ""
}
