package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/csta-portal-api/internal/models"
	"github.com/noah-isme/csta-portal-api/internal/repository"
	"github.com/noah-isme/csta-portal-api/internal/service"
	"github.com/noah-isme/csta-portal-api/pkg/config"
	"github.com/noah-isme/csta-portal-api/pkg/database"
	"github.com/noah-isme/csta-portal-api/pkg/logger"
)

// backend is the database-backed wiring shared by maintenance commands.
type backend struct {
	cfg    *config.Config
	db     *sqlx.DB
	logger *zap.Logger
	users  *repository.UserRepository
}

func openBackend(ctx context.Context) (*backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg)
	if err != nil {
		return nil, err
	}
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return &backend{cfg: cfg, db: db, logger: log, users: repository.NewUserRepository(db)}, nil
}

func (b *backend) Close() {
	_ = b.logger.Sync()
	_ = b.db.Close()
}

func (b *backend) passwords() *service.PasswordService {
	return service.NewPasswordService(b.users, b.logger, nil, service.PasswordConfig{
		MinLength:          b.cfg.Auth.PasswordMinLength,
		TempPasswordLength: b.cfg.Auth.TempPasswordLength,
		BcryptCost:         b.cfg.Auth.BcryptCost,
	})
}

// NewCreateAdminCmd creates the create-admin command.
func NewCreateAdminCmd() *cobra.Command {
	var (
		in            service.AdminAccount
		passwordStdin bool
	)

	cmd := &cobra.Command{
		Use:   "create-admin USERNAME",
		Short: "Create an administrator account",
		Long: `Create an administrator. Without --password-stdin a temporary password
is generated, printed once, and must be changed at first login.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Username = args[0]
			if passwordStdin {
				pw, err := readPassword(cmd.InOrStdin())
				if err != nil {
					return err
				}
				in.Password = pw
			}

			ctx := cmd.Context()
			b, err := openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			provisioner := service.NewProvisioningService(service.ProvisioningConfig{
				TempPasswordLength: b.cfg.Auth.TempPasswordLength,
				BcryptCost:         b.cfg.Auth.BcryptCost,
			}, b.logger)
			bundle, err := provisioner.CreateAdmin(ctx, b.users, in)
			if err != nil {
				return err
			}
			printBundle(cmd, bundle)
			return nil
		},
	}

	cmd.Flags().StringVar(&in.Email, "email", "", "email address")
	cmd.Flags().StringVar(&in.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&in.LastName, "last-name", "", "last name")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin instead of generating one")
	return cmd
}

// NewResetPasswordCmd creates the reset-password command.
func NewResetPasswordCmd() *cobra.Command {
	var passwordStdin, noTemp bool

	cmd := &cobra.Command{
		Use:   "reset-password USERNAME",
		Short: "Reset a user's password and end their sessions",
		Long: `Reset a user's password. Without --password-stdin a temporary password is
generated and printed once. A password read from stdin is temporary too
unless --no-temp is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if noTemp && !passwordStdin {
				return errors.New("--no-temp requires --password-stdin")
			}
			var password string
			if passwordStdin {
				pw, err := readPassword(cmd.InOrStdin())
				if err != nil {
					return err
				}
				password = pw
			}

			ctx := cmd.Context()
			b, err := openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			user, err := b.users.FindByUsername(ctx, strings.ToLower(strings.TrimSpace(args[0])))
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("user %q not found", args[0])
			}
			if err != nil {
				return err
			}

			passwords := b.passwords()
			if password == "" {
				bundle, err := passwords.ResetPassword(ctx, "", user.ID, service.ClientMeta{UserAgent: "portalctl"})
				if err != nil {
					return err
				}
				printBundle(cmd, bundle)
				return nil
			}
			if err := passwords.SetPassword(ctx, user.ID, password, !noTemp); err != nil {
				return err
			}
			cmd.Printf("Password for %s updated; all sessions ended\n", user.Username)
			return nil
		},
	}

	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the new password from stdin")
	cmd.Flags().BoolVar(&noTemp, "no-temp", false, "do not force a change at next login")
	return cmd
}

// NewSessionsCmd creates the sessions command group.
func NewSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Maintain login sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Delete expired sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			n, err := service.NewSessionPruner(repository.NewSessionRepository(b.db), b.logger).Prune(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("Pruned %d expired sessions\n", n)
			return nil
		},
	})
	return cmd
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("empty password on stdin")
	}
	return pw, nil
}

func readPasswordPair(r io.Reader) (string, string, error) {
	reader := bufio.NewReader(r)
	var lines [2]string
	for i := range lines {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", "", err
		}
		lines[i] = strings.TrimRight(line, "\r\n")
	}
	if lines[1] == "" {
		return "", "", errors.New("expected the current password and the new password on two lines")
	}
	return lines[0], lines[1], nil
}

func printBundle(cmd *cobra.Command, bundle *models.CredentialBundle) {
	cmd.Printf("Username: %s\n", bundle.Username)
	if bundle.TempPassword != "" {
		cmd.Printf("Temporary password: %s\n", bundle.TempPassword)
		cmd.Println("This password is shown once and must be changed at first login.")
	}
}
