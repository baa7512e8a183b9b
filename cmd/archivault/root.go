package main

import (
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

var (
	flagPolicyPath string
	flagWorkspace  string
	flagDryRun     bool
	flagVerbose    bool
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "archivault",
		Short: "Recursive, security-hardened archive extraction into a content-addressable store",
		Long: `archivault recursively extracts nested archives into a per-workspace
content-addressable store, deduplicating by content hash, maintaining a
searchable metadata index, and producing a progress stream, an audit log,
and a structured result.

Examples:
  archivault extract logs.zip --workspace ws-2026-07-31
  archivault extract nested.tar.gz --policy ./policy.toml --dry-run
  archivault policy validate ./policy.toml`,
	}

	root.PersistentFlags().StringVar(&flagPolicyPath, "policy", "", "path to a TOML policy file (defaults to a conservative built-in policy)")
	root.PersistentFlags().StringVar(&flagWorkspace, "workspace", "", "workspace id; generated if omitted")
	root.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "print the archive and workspace that would be used, without extracting")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug-level operational logging")

	root.AddCommand(buildExtractCommand())
	root.AddCommand(buildPolicyCommand())

	return root
}

func rootLogger() hclog.Logger {
	level := hclog.Info
	if flagVerbose {
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:  "archivault",
		Level: level,
	})
}
