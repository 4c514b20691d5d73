// Package bootstrap assembles a routed replica-set client from high-level
// configuration: seed parsing, dialer selection, TLS, and the optional
// management endpoint.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/amirimatin/go-replset/pkg/conn"
	"github.com/amirimatin/go-replset/pkg/conn/grpcconn"
	"github.com/amirimatin/go-replset/pkg/discovery/static"
	"github.com/amirimatin/go-replset/pkg/mgmt"
	"github.com/amirimatin/go-replset/pkg/replset"
	"github.com/amirimatin/go-replset/pkg/router"
	tlsx "github.com/amirimatin/go-replset/pkg/security/tlsconfig"
)

// Config defines high-level inputs to assemble a replica-set client with
// sensible defaults.
type Config struct {
	// SetName is the replica set to track.
	SetName string
	// SeedsCSV lists initial members as comma-separated host:port pairs.
	SeedsCSV string

	// Timeout is the socket timeout for user traffic. Zero means the
	// dialer's default.
	Timeout time.Duration

	// MgmtAddr, when set, serves /status, /healthz and /metrics there.
	MgmtAddr string

	// TLS settings applied to peer connections and the management server.
	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool

	// Dial overrides the connection factory (tests, embedding). When nil,
	// gRPC connections are used, honoring the TLS settings.
	Dial conn.Dialer

	// Registry overrides the monitor registry. Nil means replset.Default.
	Registry *replset.Registry

	// Logger (optional). If nil, log.Default() is used.
	Logger *log.Logger
}

func (c Config) tlsOptions() tlsx.Options {
	return tlsx.Options{
		Enable:             c.TLSEnable,
		CAFile:             c.TLSCA,
		CertFile:           c.TLSCert,
		KeyFile:            c.TLSKey,
		InsecureSkipVerify: c.TLSSkipVerify,
		ServerName:         c.TLSServerName,
	}
}

// Build assembles a router from Config without starting any server.
func Build(cfg Config) (*router.Router, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	seeds, err := static.ParseAddrs(cfg.SeedsCSV)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: seeds: %w", err)
	}

	dial := cfg.Dial
	if dial == nil {
		cliTLS, err := cfg.tlsOptions().Client()
		if err != nil {
			return nil, fmt.Errorf("bootstrap: tls client config: %w", err)
		}
		dial = grpcconn.Dialer(cliTLS)
	}

	return router.New(cfg.SetName, seeds, router.Options{
		Dial:     dial,
		Timeout:  cfg.Timeout,
		Registry: cfg.Registry,
		Logger:   cfg.Logger,
	})
}

// Serve builds the router and, when MgmtAddr is configured, starts the
// management server over the router's registry. The server stops when ctx
// is canceled.
func Serve(ctx context.Context, cfg Config) (*router.Router, *mgmt.Server, error) {
	r, err := Build(cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.MgmtAddr == "" {
		return r, nil, nil
	}

	srv := mgmt.NewServer(cfg.MgmtAddr, cfg.Logger)
	if cfg.TLSEnable {
		srvTLS, err := cfg.tlsOptions().Server()
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: tls server config: %w", err)
		}
		srv.UseTLS(srvTLS)
	}
	reg := cfg.Registry
	if reg == nil {
		reg = replset.Default
	}
	if err := srv.Start(ctx, reg); err != nil {
		return nil, nil, err
	}
	return r, srv, nil
}
