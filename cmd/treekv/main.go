// Command treekv inspects and edits a treekv data directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"

	"github.com/hupe1980/treekv"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `treekv - embedded namespace-scoped key-value store

Usage:
  treekv <command> -dir <path> [options] [args]

Commands:
  put <key> <value>   Write a value
  get <key>           Print a value
  delete <key>        Delete a key
  scan [prefix]       Print the pairs of a tree in key order
  compact             Compact the log
  verify              Check every segment and the checkpoint
  stats               Print database statistics
  help                Show this help

Examples:
  treekv put -dir ./data -tree users alice admin
  treekv scan -dir ./data -tree users a
  treekv verify -dir ./data -log-level debug`)
}

type globalFlags struct {
	dir      string
	tree     string
	logLevel string
	truncate bool
}

func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.dir, "dir", "", "Data directory (required)")
	fs.StringVar(&g.tree, "tree", "default", "Tree name")
	fs.StringVar(&g.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	fs.BoolVar(&g.truncate, "truncate-tail", false, "Truncate a torn log tail instead of failing")
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errUsage
	}

	command := args[0]
	if command == "help" || command == "-h" || command == "--help" {
		printUsage(stdout)
		return nil
	}

	var g globalFlags
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	g.register(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return errUsage
	}
	if g.dir == "" {
		fmt.Fprintln(stderr, "Error: -dir is required")
		return errUsage
	}

	cmd, ok := commands[command]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage(stderr)
		return errUsage
	}
	if n := fs.NArg(); n < cmd.minArgs || n > cmd.maxArgs {
		fmt.Fprintf(stderr, "Error: %s expects %s\n", command, cmd.argsHelp)
		return errUsage
	}

	zl, err := newZapLogger(stderr, g.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	opts := []treekv.Option{
		treekv.WithLogger(treekv.NewLogger(zapslog.NewHandler(zl.Core(), zapslog.WithName("treekv")))),
		treekv.WithAutoCompaction(false),
	}
	if g.truncate {
		opts = append(opts, treekv.WithRecoveryMode(treekv.RecoveryTruncateTail))
	}

	db, err := treekv.Open(ctx, treekv.Local(g.dir), opts...)
	if err != nil {
		return err
	}

	cmdErr := cmd.run(ctx, db, []byte(g.tree), fs.Args(), stdout)
	if err := db.Close(); err != nil && cmdErr == nil {
		cmdErr = err
	}
	return cmdErr
}

func newZapLogger(w io.Writer, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid -log-level %q: %w", level, err)
	}
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	core := zapcore.NewCore(enc, zapcore.AddSync(w), zap.NewAtomicLevelAt(lvl))
	return zap.New(core), nil
}

type command struct {
	minArgs, maxArgs int
	argsHelp         string
	run              func(ctx context.Context, db *treekv.DB, tree []byte, args []string, w io.Writer) error
}

var commands = map[string]command{
	"put":     {2, 2, "<key> <value>", putCmd},
	"get":     {1, 1, "<key>", getCmd},
	"delete":  {1, 1, "<key>", deleteCmd},
	"scan":    {0, 1, "[prefix]", scanCmd},
	"compact": {0, 0, "no arguments", compactCmd},
	"verify":  {0, 0, "no arguments", verifyCmd},
	"stats":   {0, 0, "no arguments", statsCmd},
}

func putCmd(ctx context.Context, db *treekv.DB, tree []byte, args []string, w io.Writer) error {
	id, err := db.Put(ctx, tree, []byte(args[0]), []byte(args[1]))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d\n", id)
	return nil
}

func getCmd(ctx context.Context, db *treekv.DB, tree []byte, args []string, w io.Writer) error {
	v, err := db.GetVersion(ctx, tree, []byte(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\t(id %d)\n", v.Value, v.ID)
	return nil
}

func deleteCmd(ctx context.Context, db *treekv.DB, tree []byte, args []string, w io.Writer) error {
	id, err := db.Delete(ctx, tree, []byte(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d\n", id)
	return nil
}

func scanCmd(ctx context.Context, db *treekv.DB, tree []byte, args []string, w io.Writer) error {
	var prefix []byte
	if len(args) == 1 {
		prefix = []byte(args[0])
	}
	for k, v := range db.Scan(ctx, tree, prefix) {
		fmt.Fprintf(w, "%s\t%s\n", k, v)
	}
	return ctx.Err()
}

func compactCmd(ctx context.Context, db *treekv.DB, _ []byte, _ []string, w io.Writer) error {
	st, err := db.Compact(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "segments compacted: %d\nrecords reclaimed:  %d\nbytes reclaimed:    %d\nduration:           %s\n",
		st.SegmentsCompacted, st.RecordsReclaimed, st.BytesReclaimed, st.Duration)
	return nil
}

func verifyCmd(ctx context.Context, db *treekv.DB, _ []byte, _ []string, w io.Writer) error {
	rep, err := db.Verify(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "ok: %d segments, %d frames, %d records, last id %d, checkpoint max id %d\n",
		rep.Segments, rep.Frames, rep.Records, rep.LastID, rep.CheckpointMaxID)
	return nil
}

func statsCmd(_ context.Context, db *treekv.DB, _ []byte, _ []string, w io.Writer) error {
	st := db.Stats()
	rows := [][2]any{
		{"trees", st.Trees},
		{"live keys", st.LiveKeys},
		{"versions", st.Versions},
		{"index bytes", st.IndexBytes},
		{"last id", st.LastID},
		{"sealed segments", st.SealedSegments},
		{"sealed bytes", st.SealedBytes},
		{"active segment", st.ActiveSegment},
		{"active bytes", st.ActiveBytes},
		{"manifest version", st.ManifestVersion},
		{"checkpoint max id", st.CheckpointMaxID},
	}
	for _, r := range rows {
		name := r[0].(string)
		fmt.Fprintf(w, "%s:%s%v\n", name, strings.Repeat(" ", 19-len(name)), r[1])
	}
	return nil
}
