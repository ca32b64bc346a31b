package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"modhost/internal/manifest"
)

// listCmd inventories the mods directory.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List mod packages in the mods directory",
	Long: `Scans the mods directory, validates each package, and prints a
one-line summary per mod: name, version, declared permissions, node
types, and whether the package passes validation.`,
	RunE: listMods,
}

func listMods(cmd *cobra.Command, args []string) error {
	entries, err := os.ReadDir(cfg.ModsDir)
	if err != nil {
		return fmt.Errorf("read mods dir: %w", err)
	}

	keyring, err := buildKeyring()
	if err != nil {
		return err
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	sort.Strings(dirs)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tSTATUS\tNODE TYPES\tPERMISSIONS")
	for _, dir := range dirs {
		res := manifest.ValidateMod(filepath.Join(cfg.ModsDir, dir), manifest.Options{
			SkipIntegrity: cfg.Validation.SkipIntegrity,
			HostVersion:   cfg.HostVersion,
			Keyring:       keyring,
		})
		if res.Manifest == nil {
			fmt.Fprintf(w, "%s\t-\tinvalid\t-\t-\n", dir)
			continue
		}
		status := "ok"
		if !res.Valid {
			status = "invalid: " + res.Errors[0].Code
		} else if len(res.Warnings) > 0 {
			status = fmt.Sprintf("ok (%d warnings)", len(res.Warnings))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			res.Manifest.Name,
			res.Manifest.Version,
			status,
			strings.Join(res.Manifest.NodeTypeIDs(), ","),
			joinPermissions(res.Manifest.Permissions))
	}
	return w.Flush()
}

func joinPermissions(perms []manifest.Permission) string {
	if len(perms) == 0 {
		return "-"
	}
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}
