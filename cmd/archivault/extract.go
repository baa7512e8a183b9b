package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"archivault/pkg/archivefmt"
	"archivault/pkg/audit"
	"archivault/pkg/cas"
	"archivault/pkg/checkpoint"
	"archivault/pkg/engine"
	"archivault/pkg/metadatastore"
	"archivault/pkg/pathmanager"
	"archivault/pkg/policy"
	"archivault/pkg/progresstracker"
	"archivault/pkg/safepath"
	"archivault/pkg/security"

	hashiuuid "github.com/hashicorp/go-uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func buildExtractCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract <archive>",
		Short: "Recursively extract an archive into the content-addressable store",
		Args:  cobra.ExactArgs(1),
		RunE:  runExtract,
	}
	return cmd
}

func runExtract(cmd *cobra.Command, args []string) error {
	archivePath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve archive path: %w", err)
	}

	workspaceID := flagWorkspace
	if workspaceID == "" {
		id, err := hashiuuid.GenerateUUID()
		if err != nil {
			return fmt.Errorf("generate workspace id: %w", err)
		}
		workspaceID = id
	}

	workspaceRoot := filepath.Join(".archivault", "workspaces", workspaceID)
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}

	pol := policy.Default()
	if flagPolicyPath != "" {
		mgr, err := policy.NewManager(pol)
		if err != nil {
			return err
		}
		if err := mgr.Load(flagPolicyPath); err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
		pol = mgr.Get()
	}

	log := rootLogger()

	db, err := gorm.Open(sqlite.Open(filepath.Join(workspaceRoot, "metadata.db")), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}

	pm, err := pathmanager.New(workspaceRoot, db, pathmanager.Config{
		MaxPathLength:       4096,
		ShorteningThreshold: pol.Paths.ShorteningThreshold,
		EnableLongPaths:     pol.Paths.EnableLongPaths,
		HashAlgorithm:       pol.Paths.HashAlgorithm,
		HashLength:          pol.Paths.HashLength,
	}, log)
	if err != nil {
		return err
	}

	store, err := cas.New(afero.NewOsFs(), workspaceRoot, log)
	if err != nil {
		return err
	}

	ms, err := metadatastore.New(db)
	if err != nil {
		return err
	}

	ckptMgr, err := checkpoint.NewManager(workspaceRoot)
	if err != nil {
		return err
	}

	auditLog, err := audit.Open(filepath.Join(workspaceRoot, "audit.log"), audit.Config{
		Enabled:           pol.Audit.EnableAuditLogging,
		Format:            audit.Format(pol.Audit.LogFormat),
		LogSecurityEvents: pol.Audit.LogSecurityEvents,
	}, log)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	symlinks, err := safepath.New(workspaceRoot)
	if err != nil {
		return fmt.Errorf("create path validator: %w", err)
	}

	tracker := progresstracker.New(workspaceID)
	sub, unsubscribe := tracker.Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range sub {
			fmt.Fprintf(cmd.OutOrStdout(), "extracted %s (%d files, %d bytes)\n", ev.CurrentFile, ev.FilesProcessed, ev.BytesProcessed)
		}
	}()

	eng := &engine.Engine{
		Registry: archivefmt.NewDefaultRegistry(),
		Security: security.New(security.Config{
			CompressionRatioThreshold:   pol.Security.CompressionRatioThreshold,
			ExponentialBackoffThreshold: pol.Security.ExponentialBackoffThreshold,
			EnableZipBombDetection:      pol.Security.EnableZipBombDetection,
			MaxFileSize:                 pol.MaxFileSize,
			MaxTotalSize:                pol.MaxTotalSize,
			MaxDepth:                    pol.MaxDepth,
			ForbiddenExtensions:         pol.Security.ForbiddenExtensions,
		}),
		PathManager:   pm,
		CAS:           store,
		MetadataStore: ms,
		Validator:     metadatastore.NewValidator(ms, store),
		Symlinks:      symlinks,
		Checkpoints:   ckptMgr,
		CheckpointCfg: checkpoint.Config{FileInterval: pol.Performance.DirectoryBatchSize, ByteInterval: 1 << 30},
		Progress:      tracker,
		Audit:         auditLog,
		Policy:        pol,
		Log:           log,
		LockDir:       workspaceRoot,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token := &engine.CancelToken{}
	go func() {
		<-ctx.Done()
		token.Cancel()
	}()

	if flagDryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "dry run: would extract %s into workspace %s\n", archivePath, workspaceID)
		return nil
	}

	res, err := eng.Extract(ctx, workspaceID, archivePath, token)
	if res != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "files extracted: %d, bytes extracted: %d, warnings: %d, security events: %d\n",
			res.FilesExtracted, res.BytesExtracted, len(res.Warnings), len(res.SecurityEvents))
	}
	return err
}
