package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zachey01/revtun/internal/tunnel"
)

func main() {
	var (
		localPortFlag int
		serverPort    int
		publicPort    int
		protocolFlag  string
		debug         bool
		serverHost    string
		maxRetryCount int
	)

	root := &cobra.Command{
		Use:   "revtun-client [local-port]",
		Short: "Expose a local service through a revtun server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			localPort := localPortFlag
			if len(args) == 1 {
				p, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid local port %q: %w", args[0], err)
				}
				localPort = p
			}

			protocol, err := tunnel.ParseProtocol(protocolFlag)
			if err != nil {
				return err
			}

			if err := checkLocalService(localPort); err != nil {
				return fmt.Errorf("local service not reachable on port %d: %w", localPort, err)
			}

			client, err := tunnel.NewClient(tunnel.ClientConfig{
				Server:        fmt.Sprintf("%s:%d", serverHost, serverPort),
				LocalPort:     localPort,
				PublicPort:    publicPort,
				Protocol:      protocol,
				Debug:         debug,
				MaxRetryCount: maxRetryCount,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return client.Run(ctx)
		},
	}

	root.Flags().IntVarP(&localPortFlag, "local-port", "l", 3000, "local port the origin service listens on")
	root.Flags().IntVarP(&serverPort, "server-port", "s", 5000, "control-plane port the revtun server listens on")
	root.Flags().IntVar(&publicPort, "public-port", 8080, "public port to request on the server for this tunnel")
	root.Flags().StringVarP(&protocolFlag, "protocol", "p", "http", "tunnel protocol: http or tcp")
	root.Flags().StringVar(&serverHost, "server-host", "localhost", "hostname of the revtun server")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.Flags().IntVar(&maxRetryCount, "max-retry-count", -1, "give up after this many consecutive failed retries following a failed connection (-1 or 0 means retry forever)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// checkLocalService is the client start-up precondition from spec §6: fail
// fast with exit 1 if nothing is listening on the chosen local port, before
// even attempting registration.
func checkLocalService(localPort int) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", localPort), 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}
