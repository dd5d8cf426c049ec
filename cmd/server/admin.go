package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"naturecms/internal/server/database"
	"naturecms/internal/server/service"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const minPasswordLength = 8

func newCreateAdminCommand() *cobra.Command {
	var (
		email string
		name  string
	)

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an administrator account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			password, err := readPassword()
			if err != nil {
				return err
			}

			db, err := database.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return err
			}

			users := service.NewUserService(database.NewUserRepository(db), nil, nil)
			user, err := users.Create(ctx, service.CreateUserInput{
				Email:    email,
				Name:     name,
				Password: password,
				Role:     database.RoleAdmin,
			})
			if err != nil {
				return err
			}

			fmt.Printf("created admin %s (id %d)\n", user.Email, user.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address of the new administrator")
	cmd.Flags().StringVar(&name, "name", "", "Display name of the new administrator")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// readPassword prompts twice on a terminal, or reads one line from piped
// stdin.
func readPassword() (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return checkPassword(strings.TrimRight(line, "\r\n"))
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	fmt.Fprint(os.Stderr, "Repeat password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return checkPassword(string(first))
}

func checkPassword(p string) (string, error) {
	if len(p) < minPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	if len(p) > service.MaxPasswordBytes {
		return "", fmt.Errorf("password must be at most %d bytes", service.MaxPasswordBytes)
	}
	return p, nil
}
