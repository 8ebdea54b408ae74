// Package gateway parses gateway command flags and runs the streaming
// gateway server.
package gateway

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/louisbranch/streamgate/internal/dispatch"
	gatewaysrv "github.com/louisbranch/streamgate/internal/gateway"
	"github.com/louisbranch/streamgate/internal/platform/config"
	"github.com/louisbranch/streamgate/internal/platform/otel"
	"github.com/louisbranch/streamgate/internal/transport"
)

// Config holds gateway command configuration.
type Config struct {
	HTTPAddr      string        `env:"STREAMGATE_HTTP_ADDR"      envDefault:"localhost:8081"`
	SSEPath       string        `env:"STREAMGATE_SSE_PATH"       envDefault:"/sse"`
	MessagesPath  string        `env:"STREAMGATE_MESSAGES_PATH"  envDefault:"/messages"`
	AllowedHosts  []string      `env:"STREAMGATE_ALLOWED_HOSTS"  envSeparator:","`
	SessionExpiry time.Duration `env:"STREAMGATE_SESSION_EXPIRY" envDefault:"1h"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP server address")
	fs.StringVar(&cfg.SSEPath, "sse-path", cfg.SSEPath, "route for the event stream")
	fs.StringVar(&cfg.MessagesPath, "messages-path", cfg.MessagesPath, "route for inbound messages")
	fs.DurationVar(&cfg.SessionExpiry, "session-expiry", cfg.SessionExpiry, "idle session expiry")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the streaming gateway.
func Run(ctx context.Context, cfg Config) error {
	shutdown, err := otel.Setup(ctx, "gateway")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("otel shutdown: %v", err)
		}
	}()

	registry := transport.NewRegistry()
	server := gatewaysrv.New(registry, dispatch.New(), gatewaysrv.Config{
		SSEPath:       cfg.SSEPath,
		MessagesPath:  cfg.MessagesPath,
		AllowedHosts:  cfg.AllowedHosts,
		SessionExpiry: cfg.SessionExpiry,
	})
	return server.Serve(ctx, cfg.HTTPAddr)
}
