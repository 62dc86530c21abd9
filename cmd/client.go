package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/blip/broker/internal/config"
	"github.com/blip/broker/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	clientName string
	clientHost string
	clientPort int

	sendWait  bool
	sendNonce string

	listenEcho bool
)

var sendCmd = &cobra.Command{
	Use:   "send <to> <message>",
	Short: "Send a message to a service",
	Long: `Send a message to a connected service. A message that parses as JSON is
sent as-is, anything else as a JSON string. With --wait the reply is printed.`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the services connected to the broker",
	Args:  cobra.NoArgs,
	RunE:  runDiscover,
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print the latest metrics of every connected service",
	Args:  cobra.NoArgs,
	RunE:  runMetrics,
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print inbound messages until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runListen,
}

// connectClient loads client configuration and connects to the broker.
// Tokens issued by the broker are cached in the config file.
func connectClient(ctx context.Context, flags *pflag.FlagSet) (*client.Client, error) {
	cfg, err := loadConfig(config.ModeClient)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if flags.Changed("name") {
		cfg.Client.Name = clientName
	}
	if flags.Changed("host") {
		cfg.Host = clientHost
	}
	if flags.Changed("port") {
		cfg.Port = clientPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := initLogger(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := persistConfig(cfg); err != nil {
		return nil, err
	}

	opts := client.OptionsFromConfig(cfg)
	opts.Logger = rootLog
	c, err := client.New(opts)
	if err != nil {
		return nil, err
	}
	c.OnTokenRotated(func(token string) {
		cfg.CacheToken(token)
		if err := cfg.Save(); err != nil {
			rootLog.Warn("Failed to cache token", "error", err)
		}
	})
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// messageBody interprets a command-line message as JSON when possible
func messageBody(arg string) json.RawMessage {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	quoted, _ := json.Marshal(arg)
	return quoted
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := connectClient(ctx, cmd.Flags())
	if err != nil {
		return err
	}
	defer c.Close()

	var opts []client.CallOption
	if sendWait {
		opts = append(opts, client.WithResponse())
	}
	if sendNonce != "" {
		opts = append(opts, client.WithNonce(sendNonce))
	}
	reply, err := c.IPC(ctx, args[0], messageBody(args[1]), opts...)
	if err != nil {
		return err
	}
	if sendWait {
		return printJSON(cmd.OutOrStdout(), reply)
	}
	return nil
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := connectClient(ctx, cmd.Flags())
	if err != nil {
		return err
	}
	defer c.Close()

	services, err := c.Discover(ctx)
	if err != nil {
		return err
	}
	for _, name := range services {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func runMetrics(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := connectClient(ctx, cmd.Flags())
	if err != nil {
		return err
	}
	defer c.Close()

	all, err := c.FetchMetrics(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), all)
}

func runListen(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := connectClient(ctx, cmd.Flags())
	if err != nil {
		return err
	}
	defer c.Close()

	out := json.NewEncoder(cmd.OutOrStdout())
	lines := make(chan *client.Message, 64)
	c.OnIPC(func(m *client.Message) {
		if listenEcho && m.Nonce != "" {
			if err := m.Reply(ctx, m.Data); err != nil {
				rootLog.Warn("Echo failed", "to", m.From, "error", err)
			}
		}
		select {
		case lines <- m:
		case <-ctx.Done():
		}
	})
	rootLog.Info("Listening for messages", "service", c.Name())

	for {
		select {
		case m := <-lines:
			if err := out.Encode(map[string]any{"from": m.From, "nonce": m.Nonce, "message": m.Data}); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&clientName, "name", "n", "", "Service name to identify as (default: from config)")
	cmd.Flags().StringVar(&clientHost, "host", config.DefaultHost, "Broker host")
	cmd.Flags().IntVarP(&clientPort, "port", "p", config.DefaultPort, "Broker port")
}

func init() {
	for _, cmd := range []*cobra.Command{sendCmd, discoverCmd, metricsCmd, listenCmd} {
		addClientFlags(cmd)
		rootCmd.AddCommand(cmd)
	}
	sendCmd.Flags().BoolVar(&sendWait, "wait", false, "Wait for and print the reply")
	sendCmd.Flags().StringVar(&sendNonce, "nonce", "", "Nonce to send (generated with --wait when unset)")
	listenCmd.Flags().BoolVar(&listenEcho, "echo", false, "Reply to requests with their own message")
}
