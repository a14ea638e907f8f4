package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	adapthttp "barbershop/internal/adapter/http"
	"barbershop/internal/app"
	"barbershop/internal/config"
	"barbershop/internal/domain"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

const (
	shutdownTimeout = 10 * time.Second
	janitorInterval = 15 * time.Minute
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(os.Stdout, cfg.LogLevel)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.close() }()

	authSvc := app.NewAuthService(st.users, st.sessions).WithSessionTTL(cfg.SessionTTL)

	proxySvc, err := app.NewProxyService(app.ProxyConfig{
		MountPrefix:   cfg.Proxy.MountPrefix,
		BackendOrigin: cfg.Proxy.BackendOrigin,
		AllowedOrigin: cfg.Proxy.AllowedOrigin,
		Timeout:       cfg.Proxy.Timeout,
	}, nil)
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}

	routes, err := guardedRoutes(cfg.Routes)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := adapthttp.New(authSvc, proxySvc, cfg.WebDir).
		WithRoutes(routes).
		WithMetrics(adapthttp.NewMetrics(reg)).
		WithLogger(logger).
		WithMaxBodyBytes(cfg.Proxy.MaxBodyBytes).
		WithForwardAuth(cfg.TrustForwardAuth)

	if cfg.OIDC.Enabled() {
		oidcCfg, err := newOIDC(ctx, cfg.OIDC)
		if err != nil {
			return err
		}
		srv.WithOIDC(oidcCfg)
		logger.Info().Str("issuer", cfg.OIDC.Issuer).Msg("sso enabled")
	}

	go runJanitor(ctx, authSvc, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("mount", proxySvc.MountPrefix()).
			Str("backend", proxySvc.BackendHost()).
			Msg("listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func guardedRoutes(rules []config.RouteRule) ([]adapthttp.GuardedRoute, error) {
	routes := make([]adapthttp.GuardedRoute, 0, len(rules))
	for _, r := range rules {
		role, err := domain.ParseRole(r.Role)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", r.Path, err)
		}
		routes = append(routes, adapthttp.GuardedRoute{Path: r.Path, Role: role})
	}
	return routes, nil
}

func newOIDC(ctx context.Context, cfg config.OIDC) (adapthttp.OIDCConfig, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return adapthttp.OIDCConfig{}, fmt.Errorf("oidc provider: %w", err)
	}
	return adapthttp.OIDCConfig{
		Enabled: true,
		OAuth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		Provider:  provider,
		RoleClaim: cfg.RoleClaim,
		TipoClaim: cfg.TipoClaim,
	}, nil
}

// runJanitor removes expired sessions until ctx is done.
func runJanitor(ctx context.Context, authSvc *app.AuthService, logger zerolog.Logger) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := authSvc.PurgeExpired(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("purge expired sessions")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("removed", n).Msg("purged expired sessions")
			}
		}
	}
}
