package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/store"
)

func newExportCmd() *cobra.Command {
	var output, storeDir string
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Write a ZIP evidence package for a stored report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if output == "" {
				output = key + "_evidence.zip"
			}

			var (
				st         store.Store
				closeStore func() error
			)
			if storeDir != "" {
				fs, err := store.NewFileStore(storeDir)
				if err != nil {
					return err
				}
				st, closeStore = fs, func() error { return nil }
			} else {
				cfg, _, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				if st, closeStore, err = openStore(cmd.Context(), cfg); err != nil {
					return err
				}
			}
			defer closeStore() //nolint:errcheck

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := store.Export(cmd.Context(), st, key, toolVersion(), f); err != nil {
				f.Close()
				os.Remove(output)
				return fmt.Errorf("export %s: %w", key, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "[*] Evidence package: %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "zip path (default: <run-id>_evidence.zip)")
	cmd.Flags().StringVar(&storeDir, "store-dir", "", "read from this file store instead of the configured one")
	return cmd
}
