// Package main runs a multiwriters scenario and prints its counters.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lotusdblabs/multiwriters"
	"github.com/lotusdblabs/multiwriters/logger"
	"github.com/lotusdblabs/multiwriters/lotusdb"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultBackends())
	stop()
	os.Exit(code)
}

func defaultBackends() map[string]multiwriters.Backend {
	return map[string]multiwriters.Backend{
		"lotusdb": multiwriters.LotusBackend{},
		"memory":  multiwriters.NewMemoryBackend(multiwriters.Faults{}),
	}
}

// execute runs the command line and returns the process exit code.
// Failures are reported on stderr, stdout only ever carries the report line.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer, backends map[string]multiwriters.Backend) int {
	root := newRootCmd(backends)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "multiwriters: %v\n", err)
		logger.Sync()
		return 1
	}
	logger.Sync()
	return 0
}

type runFlags struct {
	db              string
	destroyDB       bool
	runtimeSec      int
	keySize         int
	valueSize       int
	keySpace        int64
	seed            int64
	scenario        string
	writeBufferSize uint32
	indexType       string
	partitions      int
	multiGetBatch   int
	backend         string
	logFile         string
	logLevel        string
}

func newRootCmd(backends map[string]multiwriters.Backend) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "multiwriters",
		Short: "Race concurrent writers and readers against one lotusdb instance",
		Long: `multiwriters runs a durable writer and a second worker (a WAL-less
writer or a reader) against a single database for a fixed time, then prints
the number of operations each of them completed on one line:

  durable-writes non-durable-writes [reads lock-acquisitions]`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, backends, flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.db, "db", multiwriters.DefaultDirPath,
		"Database directory")
	f.BoolVar(&flags.destroyDB, "destroy-db", true,
		"Destroy the database before opening it")
	f.IntVar(&flags.runtimeSec, "runtime-sec", 10,
		"Run time in seconds (60 for cf-readers unless set)")
	f.IntVar(&flags.keySize, "key-size", 16,
		"Key size in bytes")
	f.IntVar(&flags.valueSize, "value-size", 100,
		"Value size in bytes")
	f.Int64Var(&flags.keySpace, "key-space", 0,
		"Draw keys from [0, key-space) (0 = unbounded)")
	f.Int64Var(&flags.seed, "seed", 0,
		"Random seed (0 = use current time)")
	f.StringVar(&flags.scenario, "scenario", multiwriters.MultiWriters.Name,
		"Scenario: "+strings.Join(multiwriters.ScenarioNames(), ", "))
	f.Uint32Var(&flags.writeBufferSize, "write-buffer-size", 256*1024,
		"Memtable size in bytes")
	f.StringVar(&flags.indexType, "index-type", lotusdb.BTree.String(),
		"Index type: btree, hash")
	f.IntVar(&flags.partitions, "partitions", lotusdb.DefaultOptions.PartitionNum,
		"Index and value log partitions")
	f.IntVar(&flags.multiGetBatch, "multiget-batch", 8,
		"Keys per MultiGet of the cf-readers scenario")
	f.StringVar(&flags.backend, "backend", "lotusdb",
		"Storage backend: "+strings.Join(backendNames(backends), ", "))
	f.StringVar(&flags.logFile, "log-file", "",
		"Also write logs to this file, rotated")
	f.StringVar(&flags.logLevel, "log-level", "info",
		"Log level: debug, info, warn, error")

	return cmd
}

func run(cmd *cobra.Command, backends map[string]multiwriters.Backend, flags runFlags) error {
	if err := setupLogger(cmd.ErrOrStderr(), flags); err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}

	scenario, err := multiwriters.ParseScenario(flags.scenario)
	if err != nil {
		return err
	}
	indexType, err := lotusdb.ParseIndexType(flags.indexType)
	if err != nil {
		return err
	}
	backend, ok := backends[flags.backend]
	if !ok {
		return fmt.Errorf("unknown backend %q", flags.backend)
	}

	cfg := multiwriters.DefaultRunConfig(scenario)
	cfg.DirPath = flags.db
	cfg.DestroyDB = flags.destroyDB
	if cmd.Flags().Changed("runtime-sec") {
		cfg.Duration = time.Duration(flags.runtimeSec) * time.Second
	}
	cfg.KeySize = flags.keySize
	cfg.ValueSize = flags.valueSize
	cfg.KeySpace = flags.keySpace
	if flags.seed != 0 {
		cfg.Seed = flags.seed
	}
	cfg.WriteBufferSize = flags.writeBufferSize
	cfg.IndexType = indexType
	cfg.PartitionNum = flags.partitions
	cfg.MultiGetBatch = flags.multiGetBatch

	h, err := multiwriters.Initialize(cfg, backend)
	if err != nil {
		return err
	}
	effective := h.Config()
	logger.Info("run configured",
		zap.String("scenario", effective.Scenario.Name),
		zap.String("backend", flags.backend),
		zap.String("db", effective.DirPath),
		zap.Duration("duration", effective.Duration),
		zap.Int64("seed", effective.Seed),
		zap.Stringer("index", effective.IndexType),
	)
	// a failed run exits without closing, the engine may be broken
	counters, err := h.Run(cmd.Context())
	if err != nil {
		return err
	}
	if err := h.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), h.Report(counters))
	return err
}

func setupLogger(stderr io.Writer, flags runFlags) error {
	level, err := logger.LevelOption(flags.logLevel)
	if err != nil {
		return err
	}
	opts := []logger.Option{
		level,
		logger.WithConsole(stderr),
		logger.WithTimeLayout(time.RFC3339Nano),
		logger.WithField("app", "multiwriters"),
	}
	if flags.logFile != "" {
		opts = append(opts, logger.WithFileRotation(flags.logFile))
	}
	if _, err := logger.NewJSONLogger(opts...); err != nil {
		return err
	}
	logger.Debug("logger ready", zap.String("level", flags.logLevel))
	return nil
}

func backendNames(backends map[string]multiwriters.Backend) []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
