package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"modhost/internal/manifest"
)

// validateCmd checks a mod package without loading it.
var validateCmd = &cobra.Command{
	Use:   "validate [mod-dir]",
	Short: "Validate a mod package",
	Long: `Validates a mod package directory: manifest shape, declared
permissions, host compatibility, static source scan, and file
integrity. Exits non-zero if the package would be rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	dir := args[0]

	keyring, err := buildKeyring()
	if err != nil {
		return err
	}

	res := manifest.ValidateMod(dir, manifest.Options{
		SkipIntegrity: cfg.Validation.SkipIntegrity,
		HostVersion:   cfg.HostVersion,
		Keyring:       keyring,
	})

	for _, w := range res.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	for _, e := range res.Errors {
		fmt.Printf("error %s: %s\n", e.Code, e.Message)
	}

	if !res.Valid {
		return fmt.Errorf("%s: validation failed with %d error(s)", dir, len(res.Errors))
	}

	fmt.Printf("ok %s@%s (%s)\n", res.Manifest.Name, res.Manifest.Version, res.Hash)
	return nil
}

// buildKeyring decodes the trusted publisher keys from the config.
func buildKeyring() (*manifest.Keyring, error) {
	if len(cfg.Validation.TrustedKeys) == 0 {
		return nil, nil
	}
	keyring := manifest.NewKeyring()
	for id, encoded := range cfg.Validation.TrustedKeys {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("trusted key %s: %w", id, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %s: not an ed25519 public key", id)
		}
		keyring.Add(id, ed25519.PublicKey(raw))
	}
	return keyring, nil
}
