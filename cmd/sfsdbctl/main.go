// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Command sfsdbctl is a small operator CLI over the metadata store:
// it can run schema migration and the shadow-copy compatibility
// check, drive the garbage collector for a single scan or a
// long-running worker, and pause/resume that worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tserong/sfsdb/pkg/config"
	"github.com/tserong/sfsdb/pkg/gc"
	"github.com/tserong/sfsdb/pkg/logging"
	"github.com/tserong/sfsdb/pkg/metadb"
	"github.com/tserong/sfsdb/pkg/repo"
	"github.com/tserong/sfsdb/pkg/schema"
)

var rootCmd = &cobra.Command{
	Use:   "sfsdbctl",
	Short: "Operate the object store's metadata database out of band",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Open the database, applying schema migration and the compatibility check",
	RunE:  cmdMigrate,
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect the on-disk schema",
}

var schemaCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Migrate and sync the live database, then print each table's schema sync result",
	RunE:  cmdSchemaCheck,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Drive the garbage collector",
}

var gcRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one garbage collection scan synchronously and exit",
	RunE:  cmdGCRun,
}

var gcWorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the garbage collector's background worker until interrupted",
	RunE:  cmdGCWorker,
}

var gcSuspendCmd = &cobra.Command{
	Use:   "suspend",
	Short: "Pause scans until gc resume is run, even across separate sfsdbctl invocations",
	RunE:  cmdGCSuspend,
}

var gcResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear a previous gc suspend",
	RunE:  cmdGCResume,
}

// cfg is bound to rootCmd's persistent flags in init, before
// Execute parses argv. NewViperSource must run before parsing so
// the flags it registers actually consume command-line arguments;
// reading through cfg afterward, from inside a RunE, still observes
// values pflag filled in during Execute.
var cfg config.Source

func init() {
	rootCmd.AddCommand(migrateCmd, schemaCmd, gcCmd)
	schemaCmd.AddCommand(schemaCheckCmd)
	gcCmd.AddCommand(gcRunCmd, gcWorkerCmd, gcSuspendCmd, gcResumeCmd)

	source, err := config.NewViperSource(rootCmd.PersistentFlags())
	if err != nil {
		panic(err)
	}
	cfg = source
}

func newSource(cmd *cobra.Command) (config.Source, error) {
	return cfg, nil
}

func openLogger() *zap.Logger {
	log, err := zap.NewProduction()
	if err != nil {
		log = zap.NewNop()
	}
	return log
}

func openPool(ctx context.Context, log logging.Logger, cfg config.Source) (*metadb.Pool, error) {
	dataPath := cfg.String(config.KeyDataPath)
	return metadb.Open(ctx, log, cfg, dataPath)
}

func cmdMigrate(cmd *cobra.Command, args []string) error {
	log := openLogger()
	defer func() { _ = log.Sync() }()

	cfg, err := newSource(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := openPool(ctx, logging.Wrap(log), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	log.Info("migration and compatibility check complete")
	return nil
}

func cmdSchemaCheck(cmd *cobra.Command, args []string) error {
	log := openLogger()
	defer func() { _ = log.Sync() }()

	cfg, err := newSource(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := openPool(ctx, logging.Wrap(log), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	results, err := schema.Sync(ctx, pool.MainHandle().DB())
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("%-24s %s\n", r.Table, tableActionString(r.Action))
	}
	if schema.Unsafe(results) {
		return fmt.Errorf("schema check: one or more tables would need to be recreated")
	}
	return nil
}

func buildRepos(pool *metadb.Pool, log logging.Logger) (*repo.BucketRepo, *repo.ObjectRepo, *repo.VersionRepo, *repo.MultipartRepo, *repo.PartRepo) {
	return repo.NewBucketRepo(pool, log),
		repo.NewObjectRepo(pool, log),
		repo.NewVersionRepo(pool, log),
		repo.NewMultipartRepo(pool, log),
		repo.NewPartRepo(pool, log)
}

func cmdGCRun(cmd *cobra.Command, args []string) error {
	log := openLogger()
	defer func() { _ = log.Sync() }()

	cfg, err := newSource(cmd)
	if err != nil {
		return err
	}

	wrapped := logging.Wrap(log)
	ctx := context.Background()
	pool, err := openPool(ctx, wrapped, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	buckets, objects, versions, multiparts, parts := buildRepos(pool, wrapped)
	collector := gc.New(wrapped, cfg, buckets, objects, versions, multiparts, parts, nil, nil)
	return collector.Process(ctx)
}

func cmdGCWorker(cmd *cobra.Command, args []string) error {
	log := openLogger()
	defer func() { _ = log.Sync() }()

	cfg, err := newSource(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wrapped := logging.Wrap(log)
	pool, err := openPool(ctx, wrapped, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	buckets, objects, versions, multiparts, parts := buildRepos(pool, wrapped)
	collector := gc.New(wrapped, cfg, buckets, objects, versions, multiparts, parts, nil, nil)
	collector.Initialize(ctx)
	<-ctx.Done()
	return collector.Close()
}

func cmdGCSuspend(cmd *cobra.Command, args []string) error {
	cfg, err := newSource(cmd)
	if err != nil {
		return err
	}
	path := gc.SuspendMarkerPath(cfg.String(config.KeyDataPath))
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return err
	}
	fmt.Println("gc suspended:", path)
	return nil
}

func cmdGCResume(cmd *cobra.Command, args []string) error {
	cfg, err := newSource(cmd)
	if err != nil {
		return err
	}
	path := gc.SuspendMarkerPath(cfg.String(config.KeyDataPath))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	fmt.Println("gc resumed")
	return nil
}

func tableActionString(a schema.TableAction) string {
	switch a {
	case schema.TableCreated:
		return "created"
	case schema.TableWouldRecreate:
		return "would recreate"
	default:
		return "unchanged"
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
