package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/blip/broker/internal/config"
	"github.com/blip/broker/pkg/ipc"
	"github.com/blip/broker/pkg/tokens"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	serveHost      string
	servePort      int
	serveSecure    bool
	servePSK       string
	serveUsePSK    bool
	serveUseTokens bool
	sslCertPath    string
	sslKeyPath     string
	sslCAPath      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	Long: `Run the broker until interrupted. Flags override the configuration file;
with --write they are saved to it.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(config.ModeServer)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyServeFlags(cmd.Flags(), cfg)
	generated := cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := initLogger(cfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer rootLog.Close()

	if generated && !writeConfig {
		if err := cfg.Save(); err != nil {
			return err
		}
	}
	if err := persistConfig(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store tokens.Store
	if cfg.Server.TokenEnabled {
		store, err = tokens.Open(ctx, cfg.Server.Tokens, rootLog)
		if err != nil {
			return fmt.Errorf("failed to open token store: %w", err)
		}
		defer store.Close()
	}

	broker, err := ipc.New(cfg, store, rootLog)
	if err != nil {
		return err
	}
	rootLog.Info("Starting blip broker",
		"version", Version,
		"addr", cfg.Addr(),
		"secure", cfg.Secure,
		"psk", cfg.Server.PSKEnabled,
		"tokens", cfg.Server.TokenEnabled,
		"log_level", rootLog.GetLevel().String())

	return ipc.NewServer(cfg, broker, rootLog).ListenAndServe(ctx)
}

// applyServeFlags overlays explicitly set flags onto cfg
func applyServeFlags(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("host") {
		cfg.Host = serveHost
	}
	if flags.Changed("port") {
		cfg.Port = servePort
	}
	if flags.Changed("secure") {
		cfg.Secure = serveSecure
	}
	if flags.Changed("psk") {
		cfg.PSK = servePSK
		cfg.Server.PSKEnabled = true
	}
	if flags.Changed("use-psk") {
		cfg.Server.PSKEnabled = serveUsePSK
	}
	if flags.Changed("use-tokens") {
		cfg.Server.TokenEnabled = serveUseTokens
	}
	if flags.Changed("ssl-cert-path") {
		cfg.Server.Secure.CertPath = sslCertPath
	}
	if flags.Changed("ssl-key-path") {
		cfg.Server.Secure.KeyPath = sslKeyPath
	}
	if flags.Changed("ssl-ca-path") {
		cfg.Server.Secure.CAPath = sslCAPath
	}
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", config.DefaultHost, "Address to listen on")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", config.DefaultPort, "Port to listen on")
	serveCmd.Flags().BoolVar(&serveSecure, "secure", false, "Serve over TLS")
	serveCmd.Flags().StringVar(&servePSK, "psk", "", "Pre-shared key clients must present (implies --use-psk)")
	serveCmd.Flags().BoolVar(&serveUsePSK, "use-psk", false, "Require the pre-shared key; one is generated if unset")
	serveCmd.Flags().BoolVar(&serveUseTokens, "use-tokens", false, "Issue and require per-service tokens")
	serveCmd.Flags().StringVar(&sslCertPath, "ssl-cert-path", "", "TLS certificate (PEM)")
	serveCmd.Flags().StringVar(&sslKeyPath, "ssl-key-path", "", "TLS private key (PEM)")
	serveCmd.Flags().StringVar(&sslCAPath, "ssl-ca-path", "", "CA bundle used to verify client certificates")

	rootCmd.AddCommand(serveCmd)
}
