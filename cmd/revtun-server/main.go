package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zachey01/revtun/internal/tunnel"
)

func main() {
	var (
		port    int
		debug   bool
		timeout int
	)

	root := &cobra.Command{
		Use:   "revtun-server",
		Short: "Accept tunnel clients and expose their tunnels publicly",
		RunE: func(cmd *cobra.Command, args []string) error {
			server := tunnel.NewServer(tunnel.ServerConfig{
				Debug:          debug,
				RequestTimeout: time.Duration(timeout) * time.Second,
			})

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return server.Run(ctx, fmt.Sprintf(":%d", port))
		},
	}

	root.Flags().IntVarP(&port, "port", "p", 5000, "public port to listen for tunnel clients on")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.Flags().IntVar(&timeout, "request-timeout", 30, "seconds to wait for a tunneled HTTP reply before returning 504")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
