package ecity

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ecity-hub/ecity/domain"
	"github.com/ecity-hub/ecity/listener"
	"github.com/google/uuid"
)

// ErrNoRepository is returned by operations that need the database when none is configured.
var ErrNoRepository = errors.New("no repository configured")

// Gateway is the server side of one front application. It relays authenticated calls to the
// backend, owns the auth bridge sessions, and records what it forwards.
type Gateway struct {
	App          App                                   // Which front application this gateway serves
	ConfigDir    string                                // Directory holding config.yaml, empty when configured in code
	Config       *Config                               // Gateway configuration
	Repo         domain.Repository                     // Sessions, traffic and logs. Optional for a stateless gateway
	Logger       *slog.Logger                          // Process logger
	Forwarder    *Forwarder                            // Backend relay shared by the proxy routes and the auth bridge
	Identities   IdentityResolver                      // Resolves bearer-only callers
	Metrics      *Metrics                              // Prometheus collectors
	Client       *http.Client                          // Client handed to the forwarder
	TLSConfig    *tls.Config                           // Certificate served on the gateway port, nil for plain HTTP
	WriteChannel chan any                              // Exchanges and logs waiting to be written to the repository
	OnExchange   func(exchange *domain.Exchange) error // Called for every recorded exchange
	OnLog        func(log *domain.Log) error           // Called for every log written through WriteLog
	Addr         string                                // Address the gateway listens on
	Port         string                                // Port the gateway listens on

	now        func() time.Time
	server     *http.Server
	serverMu   sync.Mutex
	writeMu    sync.RWMutex
	closed     bool
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

// New creates a gateway with default configuration and applies the provided options.
// Anything the options leave unset is derived from the configuration.
func New(options ...func(*Gateway) error) (*Gateway, error) {
	gateway := &Gateway{
		Config:       DefaultConfig(),
		Logger:       slog.Default(),
		WriteChannel: make(chan any, 64),
		now:          time.Now,
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	if err := gateway.WithOptions(options...); err != nil {
		return nil, err
	}

	if gateway.App == "" {
		gateway.App = gateway.Config.App
	}
	if gateway.Metrics == nil {
		gateway.Metrics = NewMetrics(nil)
	}
	if gateway.Client == nil {
		gateway.Client = &http.Client{Timeout: gateway.Config.BackendTimeout}
	}
	if gateway.Forwarder == nil {
		forwarder, err := NewForwarder(ForwarderConfig{
			BackendURL:     gateway.Config.BackendURL,
			ForwardHeaders: gateway.Config.ForwardHeaders,
			Client:         gateway.Client,
			Logger:         gateway.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating forwarder : %w", err)
		}
		gateway.Forwarder = forwarder
	}
	if gateway.Identities == nil {
		gateway.Identities = NewBackendIdentityResolver(gateway.Forwarder, gateway.Config.IdentityCacheTTL)
	}

	go gateway.WriteToDB()
	return gateway, nil
}

// WriteToDB drains the write channel until Close is called.
func (gateway *Gateway) WriteToDB() {
	defer close(gateway.writerDone)
	for item := range gateway.WriteChannel {
		switch castItem := item.(type) {
		case *domain.Exchange:
			if gateway.Repo != nil {
				if err := gateway.Repo.InsertExchange(castItem); err != nil {
					gateway.Logger.Error("inserting exchange", "id", castItem.ID, "error", err)
				}
			}
			if gateway.OnExchange != nil {
				if err := gateway.OnExchange(castItem); err != nil {
					gateway.Logger.Warn("exchange handler failed", "id", castItem.ID, "error", err)
				}
			}
		case *domain.Log:
			if gateway.Repo != nil {
				if err := gateway.Repo.InsertLog(castItem); err != nil {
					gateway.Logger.Error("inserting log", "id", castItem.ID, "error", err)
				}
			}
			if gateway.OnLog != nil {
				if err := gateway.OnLog(castItem); err != nil {
					gateway.Logger.Warn("log handler failed", "id", castItem.ID, "error", err)
				}
			}
		default:
			gateway.Logger.Warn("unknown item on write channel", "type", fmt.Sprintf("%T", item))
		}
	}
}

// enqueue never blocks a request; items are dropped when the writer falls behind.
func (gateway *Gateway) enqueue(item any) {
	gateway.writeMu.RLock()
	defer gateway.writeMu.RUnlock()
	if gateway.closed {
		return
	}
	select {
	case gateway.WriteChannel <- item:
	default:
		gateway.Logger.Warn("write channel full, dropping item", "type", fmt.Sprintf("%T", item))
	}
}

// WriteLog records a gateway event in the logs table and mirrors it to the process logger.
func (gateway *Gateway) WriteLog(level string, message string, options ...func(log *domain.Log) error) error {
	var slogLevel slog.Level
	switch level {
	case "DEBUG":
		slogLevel = slog.LevelDebug
	case "INFO":
		slogLevel = slog.LevelInfo
	case "WARN":
		slogLevel = slog.LevelWarn
	case "ERROR":
		slogLevel = slog.LevelError
	default:
		return fmt.Errorf("level should be either: DEBUG, INFO, WARN, ERROR")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating new uuid : %w", err)
	}
	log := &domain.Log{
		ID:        id,
		Level:     level,
		Message:   message,
		Timestamp: gateway.now(),
	}
	for _, option := range options {
		if err := option(log); err != nil {
			return fmt.Errorf("applying log option : %w", err)
		}
	}
	gateway.Logger.Log(context.Background(), slogLevel, message, "app", string(gateway.App))
	gateway.enqueue(log)
	return nil
}

// GetListener opens address:port, accepting TLS and plain HTTP on the same port when a
// certificate is configured.
func (gateway *Gateway) GetListener(address string, port string) (net.Listener, error) {
	rawListener, err := net.Listen("tcp", net.JoinHostPort(address, port))
	if err != nil {
		return nil, fmt.Errorf("setting up listener on address:port %s:%s : %w", address, port, err)
	}
	muxListener := listener.NewProtocolMuxListener(rawListener, gateway.TLSConfig)
	gateway.Addr = address
	gateway.Port = port
	return listener.NewResilientListener(muxListener, gateway.Logger), nil
}

// Serve runs the HTTP server and the session sweeper until ctx is cancelled or Close is called.
func (gateway *Gateway) Serve(ctx context.Context, l net.Listener) error {
	server := &http.Server{
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(gateway.Logger.Handler(), slog.LevelWarn),
	}
	gateway.serverMu.Lock()
	gateway.server = server
	gateway.serverMu.Unlock()

	go gateway.sweepSessions(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-gateway.done:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			gateway.Logger.Warn("shutting down server", "error", err)
		}
	}()

	gateway.WriteLog("INFO", fmt.Sprintf("e-City %s gateway started on %s", gateway.App, l.Addr()))
	if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving : %w", err)
	}
	return nil
}

// PurgeExpiredSessions deletes every expired session and returns how many were removed.
func (gateway *Gateway) PurgeExpiredSessions() (int, error) {
	if gateway.Repo == nil {
		return 0, ErrNoRepository
	}
	removed, err := gateway.Repo.DeleteExpiredSessions(gateway.now())
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions : %w", err)
	}
	if remaining, err := gateway.Repo.CountSessions(); err == nil {
		gateway.Metrics.Sessions.Set(float64(remaining))
	}
	return removed, nil
}

func (gateway *Gateway) sweepSessions(ctx context.Context) {
	if gateway.Repo == nil || gateway.Config.SessionSweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(gateway.Config.SessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gateway.done:
			return
		case <-ticker.C:
			removed, err := gateway.PurgeExpiredSessions()
			if err != nil {
				gateway.Logger.Error("sweeping sessions", "error", err)
				continue
			}
			if removed > 0 {
				gateway.WriteLog("INFO", fmt.Sprintf("purged %d expired sessions", removed))
			}
		}
	}
}

// Close stops the server and the background writer, then closes the repository.
func (gateway *Gateway) Close() error {
	var err error
	gateway.closeOnce.Do(func() {
		close(gateway.done)
		gateway.serverMu.Lock()
		server := gateway.server
		gateway.serverMu.Unlock()
		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		}
		gateway.writeMu.Lock()
		gateway.closed = true
		close(gateway.WriteChannel)
		gateway.writeMu.Unlock()
		<-gateway.writerDone
		if gateway.Repo != nil {
			err = gateway.Repo.Close()
		}
	})
	return err
}
