package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/noah-isme/csta-portal-api/pkg/client"
)

func (o *globalOptions) client() (*client.Client, error) {
	path := o.storePath
	if path == "" {
		def, err := client.DefaultStorePath()
		if err != nil {
			return nil, err
		}
		path = def
	}
	return client.New(o.server, client.NewFileStore(path)), nil
}

// NewLoginCmd creates the login command.
func NewLoginCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login USERNAME",
		Short: "Log in; the password is read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.Login(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			cmd.Printf("Logged in as %s (%s)\n", args[0], res.Role)
			if res.TempPassword {
				cmd.Println("Your password is temporary. Run `portalctl change-password` before anything else.")
			}
			return nil
		},
	}
}

// NewLogoutCmd creates the logout command.
func NewLogoutCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.Logout(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("Logged out")
			return nil
		},
	}
}

// NewWhoamiCmd creates the whoami command.
func NewWhoamiCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			me, err := c.Me(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("%s (%s) %s %s\n", me.User.Username, me.User.Role, me.User.FirstName, me.User.LastName)
			if me.Student != nil {
				cmd.Printf("Program: %s\n", me.Student.Program)
			}
			return nil
		},
	}
}

// NewChangePasswordCmd creates the change-password command. Stdin carries
// the current password on the first line and the new one on the second;
// during a forced rotation the first line may be empty.
func NewChangePasswordCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "change-password",
		Short: "Change your password; reads current and new password lines from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			current, next, err := readPasswordPair(cmd.InOrStdin())
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.ChangePassword(cmd.Context(), current, next); err != nil {
				return err
			}
			cmd.Println("Password changed. All sessions ended; log in again.")
			return nil
		},
	}
}

// NewRequestsCmd creates the enroll request review commands.
func NewRequestsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "requests",
		Aliases: []string{"enroll-requests"},
		Short:   "Review enroll requests",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List enroll requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			requests, err := c.EnrollRequests(cmd.Context(), status)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tNAME\tEMAIL\tPROGRAM\tSUBMITTED")
			for _, r := range requests {
				fmt.Fprintf(w, "%d\t%s\t%s %s\t%s\t%s\t%s\n", r.ID, r.Status, r.FirstName, r.LastName, r.Email, r.Program, r.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "pending", "pending, accepted, rejected or all")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "accept ID",
		Short: "Accept a request and print the new account's credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRequestID(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			bundle, err := c.Accept(cmd.Context(), id)
			if err != nil {
				return err
			}
			printBundle(cmd, bundle)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reject ID",
		Short: "Reject a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRequestID(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.Reject(cmd.Context(), id); err != nil {
				return err
			}
			cmd.Printf("Request %d rejected\n", id)
			return nil
		},
	})

	var exportStatus, format, outDir string
	export := &cobra.Command{
		Use:   "export",
		Short: "Download requests as csv or pdf",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			name, payload, err := c.Export(cmd.Context(), exportStatus, format)
			if err != nil {
				return err
			}
			path := filepath.Join(outDir, filepath.Base(name))
			if err := os.WriteFile(path, payload, 0o600); err != nil {
				return err
			}
			cmd.Printf("Wrote %s (%d bytes)\n", path, len(payload))
			return nil
		},
	}
	export.Flags().StringVar(&exportStatus, "status", "pending", "pending, accepted, rejected or all")
	export.Flags().StringVar(&format, "format", "csv", "csv or pdf")
	export.Flags().StringVar(&outDir, "out", ".", "output directory")
	cmd.AddCommand(export)

	return cmd
}

func parseRequestID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid request id %q", raw)
	}
	return id, nil
}
