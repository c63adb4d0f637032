// Package backend wires the HTTP surface: router, middleware chain, and
// graceful shutdown.
package backend

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/berthojoris/llm-rotator-proxy/pkg/backend/handlers"
	"github.com/berthojoris/llm-rotator-proxy/pkg/backend/middleware"
	"github.com/berthojoris/llm-rotator-proxy/pkg/catalog"
	"github.com/berthojoris/llm-rotator-proxy/pkg/config"
	"github.com/berthojoris/llm-rotator-proxy/pkg/rotator"
)

// Server is the proxy HTTP server.
type Server struct {
	settings   *config.Settings
	httpServer *http.Server
	router     *mux.Router
}

// NewServer builds the router and middleware chain over the rotating
// client and catalog.
func NewServer(settings *config.Settings, client *rotator.Client, cat *catalog.Catalog) *Server {
	s := &Server{settings: settings, router: mux.NewRouter()}

	chat := handlers.NewChatHandler(client)
	models := handlers.NewModelHandler(cat, client.Providers())

	s.router.HandleFunc("/health", models.Health).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/chat/completions", chat.ChatCompletions).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/embeddings", chat.Embeddings).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/models", models.ListModels).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/models-enriched", models.ListEnrichedModels).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/model-info/{id:.+}", models.ModelInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/providers", models.ListProviders).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/token-count", models.TokenCount).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/cost-estimate", models.CostEstimate).Methods(http.MethodPost)

	return s
}

// Handler returns the full middleware-wrapped handler, for tests.
// Execution order: Recovery -> Logging -> RequestID -> CORS -> Auth.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = middleware.Auth(s.settings.ProxyAPIKey)(h)
	h = middleware.CORS(h)
	h = middleware.RequestID(h)
	h = middleware.Logging(h)
	h = middleware.Recovery(h)
	return h
}

// Start listens until the context is cancelled, then drains with the
// configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.settings.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("backend: listening on %s", s.settings.Addr())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.settings.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Printf("backend: shutdown complete")
		return nil
	}
}
