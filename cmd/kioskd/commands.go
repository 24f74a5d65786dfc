package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/kioskd/pkg/bundle"
	"github.com/cuemby/kioskd/pkg/client"
	"github.com/cuemby/kioskd/pkg/identity"
	"github.com/cuemby/kioskd/pkg/storage"
	"github.com/cuemby/kioskd/pkg/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bundle versions, readiness and identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		engine := bundle.NewEngine(bundleLayout(cfg), nil)
		paths := cfg.Paths()

		current, _ := engine.CurrentVersion()
		fmt.Fprintf(out, "Installed: %s\n", orNone(current, engine.Exists()))
		backup, _ := engine.BackupVersion()
		fmt.Fprintf(out, "Backup:    %s\n", orNone(backup, engine.HasBackup()))
		staged, _ := engine.StagedVersion()
		fmt.Fprintf(out, "Staged:    %s\n", orNone(staged, staged != ""))
		fmt.Fprintf(out, "Ready:     %t\n", engine.Ready())

		if err := engine.Validate(); err != nil {
			fmt.Fprintf(out, "Valid:     no (%v)\n", err)
		} else {
			fmt.Fprintln(out, "Valid:     yes")
		}

		id, err := identity.NewStore(paths.IDFile, paths.PrivateKeyFile, paths.APIURLFile).Load()
		switch {
		case err == nil:
			fmt.Fprintf(out, "Device:    %s\n", id.DeviceID)
		case errors.Is(err, identity.ErrMissing):
			fmt.Fprintln(out, "Device:    not registered")
		default:
			fmt.Fprintf(out, "Device:    unreadable (%v)\n", err)
		}

		ready, err := client.NewClient(cfg.StatusAddr).Ready()
		if err != nil {
			fmt.Fprintln(out, "Agent:     not running")
			return nil
		}
		fmt.Fprintf(out, "Agent:     %s (app %s)\n", ready.Status, ready.Checks["app"])
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that the installed bundle is safe to run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := bundle.NewEngine(bundleLayout(cfg), nil).Validate(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Bundle is valid")
		return nil
	},
}

var revertCmd = &cobra.Command{
	Use:   "revert",
	Short: "Restore the backup bundle",
	Long: `Restore the backup bundle over the installed one.

Stop the agent first; a running agent does not notice the change until its
application is restarted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		engine := bundle.NewEngine(bundleLayout(cfg), nil)

		from, _ := engine.CurrentVersion()
		if err := engine.Revert(); err != nil {
			return err
		}
		to, _ := engine.CurrentVersion()
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Reverted from %s to %s\n", from, to)

		journal, err := storage.NewBoltStore(cfg.Paths().JournalFile)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: revert not journaled: %v\n", err)
			return nil
		}
		defer journal.Close()
		return journal.RecordRevert(&types.RevertRecord{
			At:          time.Now(),
			FromVersion: from,
			ToVersion:   to,
			Reason:      "manual",
		})
	},
}

func orNone(version string, present bool) string {
	if !present {
		return "none"
	}
	return version
}
