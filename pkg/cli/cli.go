package cli

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/go-replset/pkg/bootstrap"
	"github.com/amirimatin/go-replset/pkg/mgmt"
	"github.com/amirimatin/go-replset/pkg/observability/tracing"
	tlsx "github.com/amirimatin/go-replset/pkg/security/tlsconfig"
)

// AddAll attaches replica-set subcommands (status/watch/serve) to the
// provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewWatchCmd())
	root.AddCommand(NewServeCmd())
}

// NewStatusCmd returns the "status" command: build a monitor over the seeds
// (or ask a remote management endpoint) and print the set snapshot as JSON.
func NewStatusCmd() *cobra.Command {
	var (
		set, seeds, remote string
		timeout            time.Duration
		tlsFlags           tlsFlagSet
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a replica set status snapshot as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote != "" {
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				client := mgmt.NewClient(timeout)
				if cfg, err := tlsFlags.client(); err != nil {
					return err
				} else if cfg != nil {
					client.UseTLS(cfg)
				}
				data, err := client.GetStatus(ctx, remote, set)
				if err != nil {
					return fmt.Errorf("status error: %w", err)
				}
				os.Stdout.Write(data)
				if len(data) == 0 || data[len(data)-1] != '\n' {
					os.Stdout.Write([]byte("\n"))
				}
				return nil
			}

			r, err := bootstrap.Build(bootstrap.Config{
				SetName:  set,
				SeedsCSV: seeds,
				Timeout:  timeout,
				Logger:   log.Default(),

				TLSEnable:     tlsFlags.enable,
				TLSCA:         tlsFlags.ca,
				TLSCert:       tlsFlags.cert,
				TLSKey:        tlsFlags.key,
				TLSServerName: tlsFlags.serverName,
				TLSSkipVerify: tlsFlags.skipVerify,
			})
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(r.Monitor().AppendInfo())
		},
	}
	cmd.Flags().StringVar(&set, "set", "", "replica set name")
	cmd.Flags().StringVar(&seeds, "seeds", "", "comma-separated seed members (host:port)")
	cmd.Flags().StringVar(&remote, "remote", "", "management address of a running client (host:port); queries it instead of connecting to the set")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "connect/request timeout")
	tlsFlags.register(cmd)
	return cmd
}

// NewWatchCmd returns the "watch" command: reprint the snapshot on an
// interval until interrupted.
func NewWatchCmd() *cobra.Command {
	var (
		set, seeds string
		interval   time.Duration
		timeout    time.Duration
		tlsFlags   tlsFlagSet
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Continuously print replica set status snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			r, err := bootstrap.Build(bootstrap.Config{
				SetName:  set,
				SeedsCSV: seeds,
				Timeout:  timeout,
				Logger:   log.Default(),

				TLSEnable:     tlsFlags.enable,
				TLSCA:         tlsFlags.ca,
				TLSCert:       tlsFlags.cert,
				TLSKey:        tlsFlags.key,
				TLSServerName: tlsFlags.serverName,
				TLSSkipVerify: tlsFlags.skipVerify,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for {
				if err := enc.Encode(r.Monitor().AppendInfo()); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
				r.Monitor().Check(true)
			}
		},
	}
	cmd.Flags().StringVar(&set, "set", "", "replica set name")
	cmd.Flags().StringVar(&seeds, "seeds", "", "comma-separated seed members (host:port)")
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "refresh interval")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "connect timeout")
	tlsFlags.register(cmd)
	return cmd
}

// NewServeCmd returns the "serve" command: keep a monitored client running
// and expose the management endpoint.
func NewServeCmd() *cobra.Command {
	var (
		set, seeds, mgmtAddr string
		timeout              time.Duration
		traceEnable          bool
		tlsFlags             tlsFlagSet
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a monitored replica-set client with a management endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			if traceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					log.Printf("tracing setup error: %v", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			_, srv, err := bootstrap.Serve(ctx, bootstrap.Config{
				SetName:  set,
				SeedsCSV: seeds,
				Timeout:  timeout,
				MgmtAddr: mgmtAddr,
				Logger:   log.Default(),

				TLSEnable:     tlsFlags.enable,
				TLSCA:         tlsFlags.ca,
				TLSCert:       tlsFlags.cert,
				TLSKey:        tlsFlags.key,
				TLSServerName: tlsFlags.serverName,
				TLSSkipVerify: tlsFlags.skipVerify,
			})
			if err != nil {
				return err
			}
			if srv != nil {
				fmt.Printf("management endpoint listening at %s (status/metrics/healthz)\n", srv.Addr())
			}
			fmt.Println("replica set client running. Press Ctrl+C to exit.")
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&set, "set", "", "replica set name")
	cmd.Flags().StringVar(&seeds, "seeds", "", "comma-separated seed members (host:port)")
	cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", ":17946", "management address (tcp)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "socket timeout for user traffic")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	tlsFlags.register(cmd)
	return cmd
}

// tlsFlagSet groups the TLS flags shared by every subcommand.
type tlsFlagSet struct {
	enable     bool
	ca         string
	cert       string
	key        string
	serverName string
	skipVerify bool
}

func (t *tlsFlagSet) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&t.enable, "tls-enable", false, "enable TLS for peer and management transport")
	cmd.Flags().StringVar(&t.ca, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&t.cert, "tls-cert", "", "path to client certificate (PEM)")
	cmd.Flags().StringVar(&t.key, "tls-key", "", "path to client private key (PEM)")
	cmd.Flags().BoolVar(&t.skipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&t.serverName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (t *tlsFlagSet) client() (*tls.Config, error) {
	if !t.enable {
		return nil, nil
	}
	topts := tlsx.Options{Enable: true, CAFile: t.ca, CertFile: t.cert, KeyFile: t.key, InsecureSkipVerify: t.skipVerify, ServerName: t.serverName}
	c, err := topts.Client()
	if err != nil {
		return nil, fmt.Errorf("tls client config: %w", err)
	}
	return c, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
