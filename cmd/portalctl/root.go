package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type globalOptions struct {
	server    string
	storePath string
}

// NewRootCmd creates the root command for portalctl.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "portalctl",
		Short: "Administer the CSTA student portal",
		Long: `portalctl runs schema migrations and account maintenance directly
against the database, and drives the enrollment review queue through the
portal API.`,
		SilenceUsage: true,
	}

	server := os.Getenv("PORTAL_URL")
	if server == "" {
		server = "http://localhost:8000/api"
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", server, "portal API base URL")
	cmd.SetGlobalNormalizationFunc(dashedFlags)
	cmd.PersistentFlags().StringVar(&opts.storePath, "session-file", "", "session file (default ~/.config/portalctl/session.json)")

	// Database commands read the same environment as the API server.
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewCreateAdminCmd())
	cmd.AddCommand(NewResetPasswordCmd())
	cmd.AddCommand(NewSessionsCmd())

	// API commands.
	cmd.AddCommand(NewLoginCmd(opts))
	cmd.AddCommand(NewLogoutCmd(opts))
	cmd.AddCommand(NewWhoamiCmd(opts))
	cmd.AddCommand(NewChangePasswordCmd(opts))
	cmd.AddCommand(NewRequestsCmd(opts))

	return cmd
}

// dashedFlags accepts --session_file for --session-file, matching the
// underscore spelling of the environment variables.
func dashedFlags(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}
