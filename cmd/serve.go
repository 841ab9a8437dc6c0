package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dataspecer/dsgit/internal/config"
	"github.com/dataspecer/dsgit/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve the pull, commit, merge and merge state routes under /git, provider
webhooks at /git/webhook, /health and Prometheus metrics at /metrics.`,
	RunE: serveExec,
}

func serveInit() {
	serveCmd.Flags().String("address", "", "address to listen on, overrides server.address")

	rootCmd.AddCommand(serveCmd)
}

func serveExec(cmd *cobra.Command, args []string) error {
	address, err := cmd.Flags().GetString("address")
	if err != nil {
		return err
	}
	if address == "" {
		address = config.GetServerAddress()
	}

	d, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	cfg := d.providers.Config()
	if unsigned := cfg.UnsignedWebhookProviders(); len(unsigned) > 0 {
		l.Warn("webhook deliveries are accepted without verification", zap.Any("providers", unsigned))
	} else if cfg.GitHubWebhookSecret == "" || cfg.GitLabWebhookSecret == "" {
		l.Info("webhook deliveries of providers without a secret are refused")
	}

	srv := server.New(d.engine, d.providers, server.Options{
		Address:        address,
		Secret:         config.GetServerSecret(),
		RequestTimeout: config.GetRequestTimeout(),
	})
	return srv.ListenAndServe(cmd.Context())
}
