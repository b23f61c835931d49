package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bionicotaku/lingo-utils-jwtauth"
	"github.com/bionicotaku/lingo-utils-jwtauth/sqlstore"
	"github.com/spf13/cobra"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage signer keys and identities in the SQL store",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("database_url is required (JWTAUTH_DATABASE_URL)")
		}
		return nil
	},
}

var storeMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the store tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(s *sqlstore.Store) error {
			return s.Migrate(cmd.Context())
		})
	},
}

var storeAddKeyCmd = &cobra.Command{
	Use:   "add-key <subject> <key-id> <public-key-file>",
	Short: "Trust a public key for a subject",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		notBefore, _ := cmd.Flags().GetString("not-before")
		notAfter, _ := cmd.Flags().GetString("not-after")
		var opts sqlstore.KeyOptions
		if opts.NotBefore, err = parseTime(notBefore); err != nil {
			return err
		}
		if opts.NotAfter, err = parseTime(notAfter); err != nil {
			return err
		}
		return withStore(func(s *sqlstore.Store) error {
			return s.AddKey(cmd.Context(), args[0], args[1], data, opts)
		})
	},
}

var storeRevokeKeyCmd = &cobra.Command{
	Use:   "revoke-key <subject> <key-id>",
	Short: "Revoke a subject's key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *sqlstore.Store) error {
			found, err := s.RevokeKey(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no key %s for %s", args[1], args[0])
			}
			return nil
		})
	},
}

var storePutIdentityCmd = &cobra.Command{
	Use:   "put-identity <subject>",
	Short: "Create or replace an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		name, _ := cmd.Flags().GetString("name")
		kind, _ := cmd.Flags().GetString("kind")
		disabled, _ := cmd.Flags().GetBool("disabled")
		switch jwtauth.IdentityKind(kind) {
		case jwtauth.IdentityUser, jwtauth.IdentityService:
		default:
			return fmt.Errorf("kind must be %q or %q", jwtauth.IdentityUser, jwtauth.IdentityService)
		}
		return withStore(func(s *sqlstore.Store) error {
			return s.PutIdentity(cmd.Context(), jwtauth.Identity{
				Subject: args[0],
				ID:      id,
				Name:    name,
				Kind:    jwtauth.IdentityKind(kind),
				Active:  !disabled,
			})
		})
	},
}

var storeSetActiveCmd = &cobra.Command{
	Use:   "set-active <subject> <true|false>",
	Short: "Enable or disable an identity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var active bool
		switch args[1] {
		case "true":
			active = true
		case "false":
		default:
			return fmt.Errorf("expected true or false, got %q", args[1])
		}
		return withStore(func(s *sqlstore.Store) error {
			found, err := s.SetIdentityActive(cmd.Context(), args[0], active)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no identity %s", args[0])
			}
			return nil
		})
	},
}

func init() {
	storeAddKeyCmd.Flags().String("not-before", "", "key validity start (RFC 3339)")
	storeAddKeyCmd.Flags().String("not-after", "", "key validity end (RFC 3339)")
	storePutIdentityCmd.Flags().String("id", "", "identity id (default subject)")
	storePutIdentityCmd.Flags().String("name", "", "display name")
	storePutIdentityCmd.Flags().String("kind", string(jwtauth.IdentityService), "user or service")
	storePutIdentityCmd.Flags().Bool("disabled", false, "create the identity disabled")

	storeCmd.AddCommand(storeMigrateCmd, storeAddKeyCmd, storeRevokeKeyCmd, storePutIdentityCmd, storeSetActiveCmd)
	rootCmd.AddCommand(storeCmd)
}

func withStore(fn func(*sqlstore.Store) error) error {
	s, err := sqlstore.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", value, err)
	}
	return t, nil
}
