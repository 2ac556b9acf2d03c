// Command bperms-migrate copies worlds between storage backends.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	bperms "github.com/jmurth1234/bPermissions-sub000"
	"github.com/jmurth1234/bPermissions-sub000/migrate"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitGeneral = 1
	ExitConfig  = 2
	ExitBackend = 3
	ExitPartial = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("bperms-migrate", flag.ContinueOnError)
	configPath := fs.StringP("config", "c", "bperms.yaml", "Storage configuration file")
	from := fs.String("from", "", "Source storage kind: sql, mongo or memory")
	to := fs.String("to", "", "Target storage kind: sql, mongo or memory")
	worlds := fs.StringSliceP("world", "w", nil, "World to migrate (repeatable)")
	parallel := fs.IntP("parallel", "p", 1, "Worlds migrated at once")
	verify := fs.Bool("verify", false, "Compare record counts after migrating")
	asJSON := fs.Bool("json", false, "Print the result as JSON")
	verbose := fs.BoolP("verbose", "v", false, "Log at debug level")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: bperms-migrate --from KIND --to KIND --world NAME [options]

Description:
  Copy the metadata, groups and users of each world from one backend to
  another. Users holding only the default group are not copied.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  bperms-migrate --from sql --to mongo -w survival -w creative
  bperms-migrate -c prod.yaml --from sql --to mongo -w survival --verify

`)
	}

	if err := fs.Parse(args); err != nil {
		return ExitConfig
	}
	if *from == "" || *to == "" || len(*worlds) == 0 {
		fs.Usage()
		return ExitConfig
	}
	if *from == *to {
		fmt.Fprintln(os.Stderr, "Error: --from and --to must differ")
		return ExitConfig
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := bperms.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfig
	}
	f, err := bperms.NewFactory(cfg, bperms.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() { _ = f.Shutdown(context.Background()) }()

	src, err := f.Backend(ctx, bperms.Kind(*from))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: source: %v\n", err)
		return ExitBackend
	}
	dst, err := f.Backend(ctx, bperms.Kind(*to))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: target: %v\n", err)
		return ExitBackend
	}

	batch := migrate.Worlds(ctx, src, dst, *worlds,
		migrate.WithParallelism(*parallel),
		migrate.WithLogger(logger),
		migrate.WithPlugins(f.Plugins()),
	)

	var checks []*migrate.Verification
	if *verify {
		for name := range batch.Results {
			v, err := migrate.Verify(ctx, src, dst, name)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return ExitBackend
			}
			checks = append(checks, v)
		}
	}

	if *asJSON {
		out := struct {
			*migrate.BatchResult
			Verification []*migrate.Verification `json:"verification,omitempty"`
		}{batch, checks}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitGeneral
		}
	} else {
		printSummary(batch, checks)
	}

	if batch.Failed > 0 {
		return ExitPartial
	}
	for _, v := range checks {
		if !v.OK() {
			return ExitPartial
		}
	}
	return ExitOK
}

func printSummary(batch *migrate.BatchResult, checks []*migrate.Verification) {
	fmt.Printf("Migrated %d world(s), %d failed\n", batch.Succeeded, batch.Failed)
	for name, r := range batch.Results {
		fmt.Printf("  %-20s groups=%d users=%d skipped=%d (%s)\n", name, r.Groups, r.Users, r.SkippedUsers, r.Duration)
	}
	for _, e := range batch.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	for _, v := range checks {
		status := "ok"
		if !v.OK() {
			status = "MISMATCH"
		}
		fmt.Printf("  verify %-13s groups %d/%d users %d/%d %s\n",
			v.World, v.SourceGroups, v.TargetGroups, v.SourceUsers, v.TargetUsers, status)
	}
}
