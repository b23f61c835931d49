package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bionicotaku/lingo-utils-jwtauth"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/spf13/cobra"
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Mint a token for the configured subject",
	RunE: func(cmd *cobra.Command, _ []string) error {
		noNonce, _ := cmd.Flags().GetBool("no-nonce")
		signer, err := newSigner(cfg)
		if err != nil {
			return err
		}
		opts := []jwtauth.SignOption{jwtauth.WithAudience(cfg.Audience...)}
		if noNonce {
			opts = append(opts, jwtauth.WithoutNonce())
		}
		token, err := signer.Sign(time.Now(), opts...)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	signCmd.Flags().Bool("no-nonce", false, "omit the nonce claim")
	rootCmd.AddCommand(signCmd)
}

func newSigner(c *Config) (*jwtauth.Signer, error) {
	if c.Subject == "" {
		return nil, errors.New("subject is required (JWTAUTH_SUBJECT)")
	}
	if c.PrivateKeyFile == "" {
		return nil, errors.New("private key file is required (JWTAUTH_PRIVATE_KEY_FILE)")
	}
	key, err := loadPrivateKey(c.PrivateKeyFile)
	if err != nil {
		return nil, err
	}
	return jwtauth.NewSigner(jwtauth.SignerConfig{
		Subject:    c.Subject,
		KeyID:      c.KeyID,
		Algorithm:  jwa.SignatureAlgorithm(c.Algorithm),
		PrivateKey: key,
		Lifetime:   c.Lifetime,
		Issuer:     c.Issuer,
	})
}

func loadPrivateKey(path string) (jwk.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	var key jwk.Key
	if bytes.HasPrefix(data, []byte("-----BEGIN")) {
		key, err = jwk.ParseKey(data, jwk.WithPEM(true))
	} else {
		key, err = jwk.ParseKey(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return key, nil
}
