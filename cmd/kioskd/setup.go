package main

import (
	"path/filepath"

	"github.com/cuemby/kioskd/pkg/bundle"
	"github.com/cuemby/kioskd/pkg/config"
	"github.com/cuemby/kioskd/pkg/log"
	"github.com/cuemby/kioskd/pkg/supervisor"
	"github.com/spf13/cobra"
)

// loadConfig reads the config file and applies command line overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("root") {
		root, _ := flags.GetString("root")
		if cfg.DataRoot == cfg.Root {
			cfg.DataRoot = root
		}
		cfg.Root = root
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON, _ = flags.GetBool("log-json")
	}
	if flags.Lookup("api-url") != nil && flags.Changed("api-url") {
		cfg.APIURL, _ = flags.GetString("api-url")
	}
	if flags.Lookup("refresh") != nil && flags.Changed("refresh") {
		cfg.RefreshInterval, _ = flags.GetDuration("refresh")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}

// bundleLayout maps the stat area onto the files owned by the update engine
func bundleLayout(cfg *config.Config) bundle.Layout {
	p := cfg.Paths()
	return bundle.Layout{
		BundleDir:     p.BundleDir,
		ReadyFile:     p.ReadyFile,
		StagedArchive: p.StagedArchive,
		StagedVersion: p.StagedVersion,
		BackupArchive: p.BackupArchive,
		BackupVersion: p.BackupVersion,
		VersionFile:   p.VersionFile,
		Manifest:      cfg.App.Manifest,
		Entry:         cfg.App.Entry,
	}
}

// appSpec describes how the bundle entry point is launched
func appSpec(cfg *config.Config) supervisor.Spec {
	p := cfg.Paths()

	command := append([]string{}, cfg.App.Command...)
	command = append(command, filepath.Join(p.BundleDir, cfg.App.Entry))

	env := p.Env()
	for k, v := range cfg.App.Env {
		env[k] = v
	}

	return supervisor.Spec{
		Name:    "app",
		Command: command,
		Dir:     p.BundleDir,
		Env:     env,
		Stdout:  p.StdoutSink,
		Stderr:  p.StderrSink,
	}
}
