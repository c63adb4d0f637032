package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/berthojoris/llm-rotator-proxy/pkg/backend"
	"github.com/berthojoris/llm-rotator-proxy/pkg/catalog"
	"github.com/berthojoris/llm-rotator-proxy/pkg/config"
	"github.com/berthojoris/llm-rotator-proxy/pkg/credential"
	"github.com/berthojoris/llm-rotator-proxy/pkg/providers"
	"github.com/berthojoris/llm-rotator-proxy/pkg/reauth"
	"github.com/berthojoris/llm-rotator-proxy/pkg/refresh"
	"github.com/berthojoris/llm-rotator-proxy/pkg/rotator"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "rotator-proxy",
		Short:        "OpenAI-compatible proxy with multi-credential rotation",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to an optional YAML settings file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.AddCommand(serve)
	root.RunE = serve.RunE
	return root
}

func runServe(parent context.Context, configPath string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("resolve configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := credential.NewStore(settings.CredentialsDir)
	manager := credential.NewManager(store)
	creds, err := manager.DiscoverAndPrepare()
	if err != nil {
		return fmt.Errorf("discover credentials: %w", err)
	}
	if len(creds) == 0 {
		return fmt.Errorf("no credentials configured: set {PROVIDER}_API_KEY_N variables or add files under %s", settings.CredentialsDir)
	}

	coordinator := reauth.NewCoordinator()
	auths := make(map[string]providers.Auth, len(creds))
	for provider := range creds {
		auths[provider] = providers.Build(provider, store, coordinator)
	}

	if !settings.SkipOAuthInit {
		initializeOAuth(ctx, creds, auths)
	} else {
		log.Printf("rotator-proxy: SKIP_OAUTH_INIT_CHECK set, skipping startup validation pass")
	}

	client := rotator.New(creds, auths, rotator.NewHTTPUpstream(nil), rotator.Options{
		AcquireTimeout: settings.AcquireTimeout,
		ConcurrencyFor: settings.ConcurrencyFor,
	})
	defer client.Close()

	refresher := refresh.NewRefresher(settings.RefreshTick, client.OAuthCredentialSources, client.ProactivelyRefresh)
	if err := refresher.Start(); err != nil {
		return err
	}
	defer refresher.Stop()

	cat := catalog.New(client.Providers(), catalog.Filters{
		Ignore:    settings.IgnoreModels,
		Whitelist: settings.WhitelistModels,
	})

	if settings.ProxyAPIKey == "" {
		log.Printf("rotator-proxy: PROXY_API_KEY is not set, the proxy accepts unauthenticated requests")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return backend.NewServer(settings, client, cat).Start(gctx)
	})
	return g.Wait()
}

// initializeOAuth validates every OAuth credential once at startup so
// revoked tokens surface immediately instead of on the first request.
// Failures are logged and the credential stays registered; the refresh
// machinery retries it at runtime.
func initializeOAuth(ctx context.Context, creds map[string][]*credential.Credential, auths map[string]providers.Auth) {
	for provider, list := range creds {
		auth := auths[provider]
		for _, cred := range list {
			if !cred.IsOAuth() {
				continue
			}
			if _, err := auth.Initialize(ctx, cred); err != nil {
				log.Printf("rotator-proxy: startup validation of %s failed: %v", cred.ID, err)
			}
		}
	}
}
