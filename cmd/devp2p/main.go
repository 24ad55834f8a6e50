// Command devp2p exposes the discovery transport on the command line:
// one-shot pings and a long-running listener that prints discovered peers.
package main

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p2pforge/devp2p/crypto"
	"github.com/p2pforge/devp2p/dpt"
	"github.com/p2pforge/devp2p/log"
)

var (
	keyHex  string
	addr    string
	timeout time.Duration
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "devp2p",
		Short:         "devp2p node discovery tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			log.SetDefault(log.New(level))
		},
	}
	root.PersistentFlags().StringVar(&keyHex, "key", "", "static private key as 64 hex chars (generated when empty)")
	root.PersistentFlags().StringVar(&addr, "addr", "0.0.0.0:0", "UDP listen address")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	ping := &cobra.Command{
		Use:   "ping <enode-url>",
		Short: "probe a node and print the resolved peer",
		Args:  cobra.ExactArgs(1),
		RunE:  runPing,
	}
	ping.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "pong wait window")

	listen := &cobra.Command{
		Use:   "listen",
		Short: "run a discovery server and print peer events",
		RunE:  runListen,
	}

	root.AddCommand(ping, listen)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "devp2p:", err)
		os.Exit(1)
	}
}

func runPing(cmd *cobra.Command, args []string) error {
	peer, err := dpt.ParseNode(args[0])
	if err != nil {
		return err
	}
	srv, err := newServer()
	if err != nil {
		return err
	}
	defer srv.Destroy()

	resolved, err := srv.Ping(peer)
	if err != nil {
		return err
	}
	fmt.Printf("peer %s at %s tcp=%d\n", resolved.ID.String()[:16], resolved.Endpoint, resolved.Endpoint.TCP)
	return nil
}

func runListen(cmd *cobra.Command, args []string) error {
	srv, err := newServer()
	if err != nil {
		return err
	}
	defer srv.Destroy()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case endpoints := <-srv.Peers():
			for _, e := range endpoints {
				fmt.Printf("peer candidate %s tcp=%d\n", e, e.TCP)
			}
		case <-sig:
			return nil
		case <-srv.Done():
			return nil
		}
	}
}

// newServer builds and binds a server from the global flags.
func newServer() (*dpt.Server, error) {
	key, err := parseKey(keyHex)
	if err != nil {
		return nil, err
	}
	srv, err := dpt.NewServer(dpt.Config{
		PrivateKey: key,
		Timeout:    timeout,
	})
	if err != nil {
		return nil, err
	}
	if err := srv.Bind(addr); err != nil {
		return nil, err
	}
	return srv, nil
}

func parseKey(s string) (*ecdsa.PrivateKey, error) {
	if s == "" {
		return crypto.GenerateKey()
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad --key: %w", err)
	}
	return crypto.ToECDSA(b)
}
