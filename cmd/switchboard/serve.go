package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marchfield/switchboard/internal/config"
	"github.com/marchfield/switchboard/internal/gateway"
	"github.com/marchfield/switchboard/internal/llm"
	"github.com/marchfield/switchboard/internal/store"
	"github.com/marchfield/switchboard/internal/transport"
	discordtransport "github.com/marchfield/switchboard/internal/transport/discord"
	slacktransport "github.com/marchfield/switchboard/internal/transport/slack"
	"github.com/marchfield/switchboard/internal/web"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway daemon",
		Long:  "Brings every installed workspace online, listens for mentions, and serves the install page when web is enabled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	if err := s.Initialize(); err != nil {
		return err
	}

	connector, err := createConnector(cfg)
	if err != nil {
		return err
	}

	model, err := llm.New(llm.Opts{
		APIKey:      cfg.Model.APIKey,
		Model:       cfg.Model.Name,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: float64(cfg.Model.Temperature),
		BaseURL:     cfg.Model.BaseURL,
	})
	if err != nil {
		return err
	}

	daemon, err := gateway.NewDaemon(gateway.DaemonOpts{
		Store:         s,
		Connector:     connector,
		Model:         model,
		HistoryWindow: cfg.History.Window,
		ResyncCron:    cfg.Registry.ResyncCron,
		Out:           cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if cfg.Web.Enabled {
		srv, err := web.NewServer(web.ServerOpts{
			Registrar: daemon.Registry(),
			Pinger:    s,
			Exchanger: web.NewSlackExchanger(cfg.Slack.ClientID, cfg.Slack.ClientSecret),
			ClientID:  cfg.Slack.ClientID,
			Port:      cfg.Web.Port,
			Out:       cmd.OutOrStdout(),
		})
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Start(ctx); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "web server: %v\n", err)
				cancel()
			}
		}()
	}

	return daemon.Run(ctx)
}

// createConnector builds a platform connector from the config.
func createConnector(cfg *config.Config) (transport.Connector, error) {
	switch cfg.Transport.Platform {
	case "slack":
		return slacktransport.NewConnector(cfg.Slack.AppToken)
	case "discord":
		return discordtransport.NewConnector(), nil
	default:
		return nil, fmt.Errorf("unsupported platform %q", cfg.Transport.Platform)
	}
}

// openStore connects to the configured database.
func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(store.Options{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Name:     cfg.Database.Name,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
	})
}
