package natsserver

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
)

// Options configures the embedded broker. Port -1 picks a random port.
type Options struct {
	Host      string
	Port      int
	StoreDir  string
	JetStream bool
}

// Server is an in-process NATS broker for single-box clinic installs.
type Server struct {
	ns     *server.Server
	logger zerolog.Logger
}

func Start(opts Options, logger zerolog.Logger) (*Server, error) {
	serverOpts := &server.Options{
		Host:   opts.Host,
		Port:   opts.Port,
		NoSigs: true,
		NoLog:  true,
	}
	if serverOpts.Host == "" {
		serverOpts.Host = "127.0.0.1"
	}
	if opts.JetStream {
		if opts.StoreDir == "" {
			return nil, errors.New("jetstream requires a store directory")
		}
		if err := os.MkdirAll(opts.StoreDir, 0o750); err != nil {
			return nil, fmt.Errorf("create nats store dir: %w", err)
		}
		serverOpts.JetStream = true
		serverOpts.StoreDir = opts.StoreDir
	}

	ns, err := server.NewServer(serverOpts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("nats server not ready")
	}
	logger.Info().Str("client_url", ns.ClientURL()).Bool("jetstream", opts.JetStream).Msg("embedded nats started")
	return &Server{ns: ns, logger: logger}, nil
}

func (s *Server) ClientURL() string {
	return s.ns.ClientURL()
}

func (s *Server) Shutdown() {
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
	s.logger.Info().Msg("embedded nats stopped")
}
