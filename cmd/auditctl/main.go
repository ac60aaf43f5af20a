package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/audit"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/auditchain"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/retry"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/store"
)

type recordSource interface {
	Records(ctx context.Context, chainID, segmentID string) ([]models.AuditRecord, error)
}

// Testable variables for main()
var (
	osExit       = os.Exit
	openSourceFn = func(ctx context.Context, dsn string) (recordSource, func(), error) {
		pool, err := store.NewPostgresPool(ctx, store.PostgresOptions{
			URL:      dsn,
			MaxConns: 2,
			Connect:  retry.Policy{Attempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: time.Second},
		})
		if err != nil {
			return nil, nil, err
		}
		return audit.NewPostgresStore(pool), pool.Close, nil
	}
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "verify":
		return verify(ctx, args[1:], out)
	case "export":
		return export(ctx, args[1:], out)
	case "hash":
		return hash(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "auditctl commands:")
	fmt.Fprintln(out, "  verify [--chain default] [--segment <id>] [--file records.json]")
	fmt.Fprintln(out, "  export [--chain default] [--segment <id>] --out records.json")
	fmt.Fprintln(out, "  hash --payload payload.json [--prev <hex>]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

type sourceFlags struct {
	chain   *string
	segment *string
	dsn     *string
}

func addSourceFlags(fs *flag.FlagSet) sourceFlags {
	return sourceFlags{
		chain:   fs.String("chain", "default", "chain id"),
		segment: fs.String("segment", "", "segment id, empty for all segments"),
		dsn:     fs.String("database-url", os.Getenv("DATABASE_URL"), "postgres DSN"),
	}
}

func (f sourceFlags) load(ctx context.Context) ([]models.AuditRecord, error) {
	src, closeFn, err := openSourceFn(ctx, *f.dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	defer closeFn()
	recs, err := src.Records(ctx, *f.chain, *f.segment)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	return recs, nil
}

func verify(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("verify")
	src := addSourceFlags(fs)
	file := fs.String("file", "", "verify an exported JSON file instead of the database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var (
		recs []models.AuditRecord
		err  error
	)
	if *file != "" {
		recs, err = readExport(*file)
	} else {
		recs, err = src.load(ctx)
	}
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "no records")
		return nil
	}

	var failed int
	for _, seg := range auditchain.Segments(recs) {
		id := seg[0].SegmentID
		if err := auditchain.Verify(seg); err != nil {
			failed++
			fmt.Fprintf(out, "segment %s: FAILED after %d records: %v\n", id, len(seg), err)
			continue
		}
		last := seg[len(seg)-1]
		fmt.Fprintf(out, "segment %s: ok, %d records, head %s\n", id, len(seg), last.Hash)
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d segment(s) failed", auditchain.ErrTampered, failed)
	}
	return nil
}

func export(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("export")
	src := addSourceFlags(fs)
	outPath := fs.String("out", "", "output path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outPath == "" {
		return errors.New("out required")
	}
	recs, err := src.load(ctx)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	if err := os.WriteFile(*outPath, encoded, 0o600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintf(out, "wrote %d records to %s\n", len(recs), *outPath)
	return nil
}

func hash(args []string, out io.Writer) error {
	fs := newFlagSet("hash")
	payloadPath := fs.String("payload", "", "payload json file")
	prev := fs.String("prev", "", "predecessor hash, empty for genesis")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *payloadPath == "" {
		return errors.New("payload required")
	}
	raw, err := os.ReadFile(filepath.Clean(*payloadPath))
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	canon, err := models.CanonicalJSON(raw)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}
	fmt.Fprintln(out, auditchain.Hash(strings.TrimSpace(*prev), canon))
	return nil
}

func readExport(path string) ([]models.AuditRecord, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	var recs []models.AuditRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	return recs, nil
}
