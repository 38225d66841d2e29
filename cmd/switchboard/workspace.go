package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marchfield/switchboard/internal/config"
)

func newWorkspaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workspace",
		Aliases: []string{"ws"},
		Short:   "Manage installed workspaces",
		Long:    "Inspect and edit workspace installations directly. Discord guilds, which have no OAuth install page, are added here.",
	}

	cmd.AddCommand(newWorkspaceAddCmd())
	cmd.AddCommand(newWorkspaceListCmd())
	return cmd
}

func newWorkspaceAddCmd() *cobra.Command {
	var (
		configPath string
		teamID     string
		teamName   string
		botToken   string
		botID      string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a workspace installation",
		Long:  "Writes a workspace's credentials into the database. A running daemon picks it up on its next resync.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkspaceAdd(cmd, configPath, teamID, teamName, botToken, botID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	cmd.Flags().StringVar(&teamID, "team", "", "team or guild identifier (required)")
	cmd.Flags().StringVar(&teamName, "name", "", "human-readable workspace name")
	cmd.Flags().StringVar(&botToken, "token", "", "bot token for this workspace (required)")
	cmd.Flags().StringVar(&botID, "bot", "", "bot user identifier in this workspace")
	cmd.MarkFlagRequired("team")
	cmd.MarkFlagRequired("token")
	return cmd
}

func runWorkspaceAdd(cmd *cobra.Command, configPath, teamID, teamName, botToken, botID string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}

	existing, err := s.GetWorkspace(teamID)
	if err != nil {
		return err
	}
	if err := s.UpsertWorkspace(teamID, teamName, botToken, botID); err != nil {
		return err
	}

	if existing != nil {
		fmt.Fprintf(out, "Workspace %s updated (credentials replaced)\n", teamID)
	} else {
		fmt.Fprintf(out, "Workspace %s added\n", teamID)
	}
	return nil
}

func newWorkspaceListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkspaceList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runWorkspaceList(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}

	all, err := s.ListWorkspaces()
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Fprintln(out, "No workspaces installed.")
		return nil
	}

	fmt.Fprintf(out, "%-16s %-24s %-12s %s\n", "TEAM", "NAME", "BOT", "INSTALLED")
	for _, ws := range all {
		fmt.Fprintf(out, "%-16s %-24s %-12s %s\n",
			ws.TeamID, ws.TeamName, ws.BotID, ws.InstalledAt.Format("2006-01-02 15:04"))
	}
	return nil
}
