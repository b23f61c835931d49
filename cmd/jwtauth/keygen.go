package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bionicotaku/lingo-utils-jwtauth"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing key pair",
	Long: `Writes <out>.key (PKCS#8 private key), <out>.pub (PKIX public key) and
<out>.jwks.json (public JWK set) for the chosen algorithm.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		alg, _ := cmd.Flags().GetString("alg")
		kid, _ := cmd.Flags().GetString("kid")
		out, _ := cmd.Flags().GetString("out")
		if alg == "" {
			alg = cfg.Algorithm
		}
		if alg == "" {
			alg = string(jwa.ES256)
		}
		if kid == "" {
			kid = cfg.KeyID
		}
		paths, err := generateKeyFiles(jwa.SignatureAlgorithm(alg), kid, out)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

func init() {
	keygenCmd.Flags().String("alg", "", "signature algorithm (default from config, else ES256)")
	keygenCmd.Flags().String("kid", "", "key id (default from config)")
	keygenCmd.Flags().String("out", "jwtauth", "output file prefix")
	rootCmd.AddCommand(keygenCmd)
}

func generateKeyFiles(alg jwa.SignatureAlgorithm, kid, prefix string) ([]string, error) {
	key, err := jwtauth.GenerateKey(alg, kid)
	if err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}
	pub, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}

	privPEM, err := jwtauth.EncodePEM(key)
	if err != nil {
		return nil, err
	}
	pubPEM, err := jwtauth.EncodePEM(pub)
	if err != nil {
		return nil, err
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		return nil, err
	}
	setJSON, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return nil, err
	}

	files := []struct {
		path string
		data []byte
		mode os.FileMode
	}{
		{prefix + ".key", privPEM, 0o600},
		{prefix + ".pub", pubPEM, 0o644},
		{prefix + ".jwks.json", setJSON, 0o644},
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		if err := os.WriteFile(f.path, f.data, f.mode); err != nil {
			return nil, err
		}
		paths = append(paths, f.path)
	}
	return paths, nil
}
