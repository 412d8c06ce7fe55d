package cli

import (
	"fmt"

	"github.com/stockpilot/stockstream/internal/analysis"
	"github.com/stockpilot/stockstream/internal/config"
	"github.com/stockpilot/stockstream/internal/history"
	"github.com/stockpilot/stockstream/internal/transport"
)

func newTransport(cfg *config.Config) *transport.HTTPTransport {
	return transport.NewHTTPTransport(cfg.API.BaseURL,
		transport.WithAuthToken(cfg.API.AuthToken),
		transport.WithSubmitTimeout(cfg.API.SubmitTimeout),
	)
}

// openService wires the transport and history store. The caller must call
// the returned close function.
func openService(cfg *config.Config) (*analysis.Service, func() error, error) {
	store, err := history.Open(cfg.Cache.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open history: %w", err)
	}
	svc := analysis.NewService(newTransport(cfg), store,
		analysis.WithIdentity(analysis.StaticIdentity(cfg.User)),
		analysis.WithCacheMaxAge(cfg.Cache.MaxAge),
	)
	return svc, store.Close, nil
}
