package pubsub

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/helixml/visualstream/api/pkg/config"
	"github.com/helixml/visualstream/api/pkg/freeport"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Nats is a thin wrapper over a core NATS connection, optionally backed by
// an embedded in-process server, implementing the narrowed PubSub
// interface the Log Hub's cross-process fan-out needs.
type Nats struct {
	conn           *nats.Conn
	embeddedServer *server.Server
}

func logConnectionEvents(nc *nats.Conn) {
	nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		log.Warn().Err(err).Msg("nats connection lost")
	})
	nc.SetReconnectHandler(func(_ *nats.Conn) {
		log.Info().Msg("nats reconnected")
	})
	nc.SetClosedHandler(func(_ *nats.Conn) {
		log.Warn().Msg("nats connection closed")
	})
}

// getRandomPorts returns a tuple of random available ports for server and websocket
func getRandomPorts() (int, int, error) {
	serverPort, err := freeport.GetFreePort()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get free server port: %w", err)
	}

	wsPort, err := freeport.GetFreePort()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get free websocket port: %w", err)
	}

	return serverPort, wsPort, nil
}

// tryStartServer attempts to start the NATS server with given ports
// returns the server instance and any error that occurred
func tryStartServer(cfg *config.ServerConfig, serverPort, wsPort int) (*server.Server, error) {
	opts := &server.Options{
		Host:          "127.0.0.1", // For internal use only
		Port:          serverPort,
		Authorization: cfg.PubSub.Server.Token,
		AllowNonTLS:   true, // TLS is terminated at the reverse proxy
		Websocket: server.WebsocketOpts{
			Host:  cfg.PubSub.Server.Host,
			Port:  wsPort,
			NoTLS: true,
			Token: cfg.PubSub.Server.Token,
		},
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(4 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("server failed to start (ports %d, %d): running=%v", serverPort, wsPort, ns.Running())
	}

	log.Info().
		Str("internal_url", ns.ClientURL()).
		Str("external_url", fmt.Sprintf("ws://%s:%d", cfg.PubSub.Server.Host, wsPort)).
		Msg("nats server started successfully")

	return ns, nil
}

// NewNats connects to an embedded or external NATS server depending on
// cfg.PubSub.Server.EmbeddedNatsServerEnabled, retrying the embedded server
// start with fresh random ports on bind failure.
func NewNats(cfg *config.ServerConfig) (*Nats, error) {
	var ns *server.Server
	var err error

	if cfg.PubSub.Server.EmbeddedNatsServerEnabled {
		maxRetries := 5
		var lastErr error

		for i := 0; i < maxRetries; i++ {
			serverPort, wsPort, perr := getRandomPorts()
			if perr != nil {
				lastErr = perr
				continue
			}

			if i == 0 && cfg.PubSub.Server.Port != 0 && cfg.PubSub.Server.WebsocketPort != 0 {
				serverPort = cfg.PubSub.Server.Port
				wsPort = cfg.PubSub.Server.WebsocketPort
			}

			ns, err = tryStartServer(cfg, serverPort, wsPort)
			if err != nil {
				lastErr = err
				log.Debug().Err(err).Int("attempt", i+1).Msg("retrying nats server start with different ports")
				continue
			}
			break
		}

		if ns == nil {
			return nil, fmt.Errorf("failed to start nats server after %d retries: %w", maxRetries, lastErr)
		}
	}

	opts := []nats.Option{}
	if cfg.PubSub.Server.Token != "" {
		opts = append(opts, nats.Token(cfg.PubSub.Server.Token))
	}

	var nc *nats.Conn
	if ns != nil {
		log.Info().Str("url", ns.ClientURL()).Msg("connecting to embedded nats")
		nc, err = nats.Connect(ns.ClientURL(), opts...)
	} else {
		serverURL := fmt.Sprintf("nats://%s:%d", cfg.PubSub.Server.Host, cfg.PubSub.Server.Port)
		log.Info().Str("url", serverURL).Msg("connecting to external nats")
		nc, err = nats.Connect(serverURL, opts...)
	}
	if err != nil {
		if ns != nil {
			ns.Shutdown()
		}
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	logConnectionEvents(nc)

	return &Nats{conn: nc, embeddedServer: ns}, nil
}

// NewInMemoryNats creates a new in-memory NATS instance for testing and
// single-process deployments.
func NewInMemoryNats() (*Nats, error) {
	randomPort, err := freeport.GetFreePort()
	if err != nil {
		return nil, fmt.Errorf("failed to get free port: %w", err)
	}

	cfg := &config.ServerConfig{}
	cfg.PubSub.Server.Host = "0.0.0.0"
	cfg.PubSub.Server.Port = randomPort
	cfg.PubSub.Server.WebsocketPort = randomPort + 1
	cfg.PubSub.Server.EmbeddedNatsServerEnabled = true

	return NewNats(cfg)
}

// NewNatsClient connects to an external NATS server at u, e.g. the
// REDIS_URL-named peer channel URL (spec §6.3), reinterpreted as a NATS
// DSN per DESIGN.md's Open Question decision.
func NewNatsClient(u string, token string) (*Nats, error) {
	parsedURL, err := url.Parse(u)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	opts := []nats.Option{
		nats.Timeout(time.Second * 2),
		nats.RetryOnFailedConnect(false),
		nats.MaxReconnects(-1), // Infinite reconnects
		nats.ReconnectWait(time.Second * 2),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	if parsedURL.Path != "" {
		opts = append(opts, nats.ProxyPath(parsedURL.Path))
	}

	hostURL := parsedURL.Scheme + "://" + parsedURL.Host
	log.Info().Str("host", hostURL).Str("proxy_path", parsedURL.Path).Msg("connecting to nats")
	nc, err := nats.Connect(hostURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	logConnectionEvents(nc)

	return &Nats{conn: nc}, nil
}

// ClientURL returns a URL another NewNatsClient call can connect to: the
// embedded server's client URL if this instance booted one, otherwise the
// URL this instance is itself connected to.
func (n *Nats) ClientURL() string {
	if n.embeddedServer != nil {
		return n.embeddedServer.ClientURL()
	}
	return n.conn.ConnectedUrl()
}

func (n *Nats) Publish(_ context.Context, topic string, payload []byte) error {
	return n.conn.Publish(topic, payload)
}

func (n *Nats) Subscribe(_ context.Context, topic string, handler func(payload []byte) error) (Subscription, error) {
	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			log.Err(err).Msg("error handling message")
		}
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (n *Nats) Close() {
	n.conn.Close()
	if n.embeddedServer != nil {
		n.embeddedServer.Shutdown()
	}
}
