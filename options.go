package ecity

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ecity-hub/ecity/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// WithOptions applies a series of configuration functions to the gateway.
// It stops at the first option that fails.
func (gateway *Gateway) WithOptions(options ...func(*Gateway) error) error {
	for _, option := range options {
		err := option(gateway)
		if err != nil {
			return fmt.Errorf("applying option on gateway : %w", err)
		}
	}
	return nil
}

// WithConfigDir loads config.yaml from appConfigDir, creating the directory and the file on first run.
func WithConfigDir(appConfigDir string) func(*Gateway) error {
	return func(gateway *Gateway) error {
		cfg, err := LoadConfig(appConfigDir)
		if err != nil {
			return err
		}
		gateway.ConfigDir = appConfigDir
		gateway.Config = cfg
		return nil
	}
}

// WithConfig uses cfg as is.
func WithConfig(cfg *Config) func(*Gateway) error {
	return func(gateway *Gateway) error {
		if cfg == nil {
			return errors.New("config is nil")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		gateway.Config = cfg
		return nil
	}
}

// WithApp overrides the configured application.
func WithApp(app App) func(*Gateway) error {
	return func(gateway *Gateway) error {
		switch app {
		case AppPortal, AppAdmin:
		default:
			return fmt.Errorf("invalid app %q: should be either portal or admin", app)
		}
		gateway.App = app
		gateway.Config.App = app
		return nil
	}
}

// WithBackend overrides the configured backend base URL.
func WithBackend(backendURL string) func(*Gateway) error {
	return func(gateway *Gateway) error {
		gateway.Config.BackendURL = backendURL
		return nil
	}
}

// WithLogger sets the process logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) func(*Gateway) error {
	return func(gateway *Gateway) error {
		if logger == nil {
			logger = slog.Default()
		}
		gateway.Logger = logger
		return nil
	}
}

// WithRepo replaces the repository, closing the previous one.
func WithRepo(repo domain.Repository) func(*Gateway) error {
	return func(gateway *Gateway) error {
		if gateway.Repo != nil {
			if err := gateway.Repo.Close(); err != nil {
				return err
			}
			gateway.Repo = nil
		}
		gateway.Repo = repo
		return nil
	}
}

// WithHTTPClient sets the client used to reach the backend.
func WithHTTPClient(client *http.Client) func(*Gateway) error {
	return func(gateway *Gateway) error {
		gateway.Client = client
		return nil
	}
}

// WithMetrics registers the gateway collectors on registry instead of a private one.
func WithMetrics(registry *prometheus.Registry) func(*Gateway) error {
	return func(gateway *Gateway) error {
		gateway.Metrics = NewMetrics(registry)
		return nil
	}
}

// WithIdentityResolver replaces the backend identity lookup used for bearer-only callers.
func WithIdentityResolver(resolver IdentityResolver) func(*Gateway) error {
	return func(gateway *Gateway) error {
		gateway.Identities = resolver
		return nil
	}
}

// WithExchangeHandler takes a handler function that will be executed on each recorded exchange
func WithExchangeHandler(handler func(exchange *domain.Exchange) error) func(*Gateway) error {
	return func(gateway *Gateway) error {
		if gateway.OnExchange != nil {
			return errors.New("gateway already has an exchange handler defined")
		}
		gateway.OnExchange = handler
		return nil
	}
}

// WithLogHandler takes a handler function that will be executed on each Log
func WithLogHandler(handler func(log *domain.Log) error) func(*Gateway) error {
	return func(gateway *Gateway) error {
		if gateway.OnLog != nil {
			return errors.New("gateway already has a log handler defined")
		}
		gateway.OnLog = handler
		return nil
	}
}

// WithClock replaces time.Now, used for session expiry and record timestamps.
func WithClock(now func() time.Time) func(*Gateway) error {
	return func(gateway *Gateway) error {
		gateway.now = now
		return nil
	}
}

// WithTLS loads the certificate named by tls.cert_file and tls.key_file.
// Without both keys the gateway serves plain HTTP.
func WithTLS() func(*Gateway) error {
	return func(gateway *Gateway) error {
		certFile, keyFile := gateway.Config.TLS.CertFile, gateway.Config.TLS.KeyFile
		if certFile == "" && keyFile == "" {
			return nil
		}
		if certFile == "" || keyFile == "" {
			return errors.New("tls.cert_file and tls.key_file must be set together")
		}
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return fmt.Errorf("loading cert and key from disk: %w", err)
		}
		gateway.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			NextProtos:   []string{"http/1.1"},
		}
		return nil
	}
}
