// ipsdiag decodes one support archive and writes its normalized record set
// to stdout.
//
// Usage:
//
//	ipsdiag [flags] ARCHIVE
//
// ARCHIVE may be "-" to read standard input. Logs go to stderr so that
// stdout carries only the encoded output.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/ipsdiag/internal/archive"
	"github.com/JonMunkholm/ipsdiag/internal/codec"
	"github.com/JonMunkholm/ipsdiag/internal/config"
	"github.com/JonMunkholm/ipsdiag/internal/core"
	"github.com/JonMunkholm/ipsdiag/internal/logging"
	"github.com/JonMunkholm/ipsdiag/internal/registry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if core.IsUserFacing(err) {
			fmt.Fprintln(os.Stderr, core.FormatUserError(err))
		}
		os.Exit(1)
	}
}

type options struct {
	registryFile    string
	format          string
	workers         int
	maxArtifactSize config.ByteSize
	maxArchiveSize  config.ByteSize
	logLevel        string
	logFormat       string
	pretty          bool
	noRaw           bool
	summary         bool
	printRegistry   bool
	output          string
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts := options{
		maxArtifactSize: config.ByteSize(archive.DefaultMaxEntryBytes),
		maxArchiveSize:  config.ByteSize(archive.DefaultMaxTotalBytes),
	}

	flagSet := pflag.NewFlagSet("ipsdiag", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.registryFile, "registry", "", "artifact registry YAML file (default: built-in)")
	flagSet.StringVarP(&opts.format, "format", "f", "json", "output format: json or cbor")
	flagSet.IntVarP(&opts.workers, "workers", "w", 0, "parse concurrency (default: one per CPU)")
	flagSet.Var(&opts.maxArtifactSize, "max-artifact-size", "truncate extracted files larger than this")
	flagSet.Var(&opts.maxArchiveSize, "max-archive-size", "stop extracting once the archive expands past this")
	flagSet.StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	flagSet.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	flagSet.BoolVar(&opts.pretty, "pretty", false, "indent JSON output")
	flagSet.BoolVar(&opts.noRaw, "no-raw", false, "leave the raw artifact text out of the output")
	flagSet.BoolVar(&opts.summary, "summary", false, "print a table of artifacts and diagnostics instead of the record set")
	flagSet.BoolVar(&opts.printRegistry, "print-registry", false, "print the effective artifact registry as YAML and exit")
	flagSet.StringVarP(&opts.output, "output", "o", "", "write output to this file instead of stdout")
	flagSet.Usage = func() {
		fmt.Fprintf(stderr, "Usage: ipsdiag [flags] ARCHIVE\n\nFlags:\n%s", flagSet.FlagUsages())
	}

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	slogger := logging.New(stderr, opts.logLevel, opts.logFormat)

	reg := registry.Default()
	if opts.registryFile != "" {
		var err error
		if reg, err = registry.Load(opts.registryFile); err != nil {
			return err
		}
	}

	out := stdout
	if opts.output != "" {
		f, err := os.Create(opts.output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	if opts.printRegistry {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(reg.File()); err != nil {
			return fmt.Errorf("encode registry: %w", err)
		}
		return enc.Close()
	}

	format, err := codec.ParseFormat(opts.format)
	if err != nil {
		return err
	}

	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return fmt.Errorf("expected one archive argument, got %d", flagSet.NArg())
	}
	path := flagSet.Arg(0)

	data, err := readInput(path, stdin)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("empty file")
	}

	pipeline := core.NewPipeline(reg, core.Options{
		Workers: opts.workers,
		Archive: archive.Options{
			MaxEntryBytes: opts.maxArtifactSize.Int64(),
			MaxTotalBytes: opts.maxArchiveSize.Int64(),
		},
	})
	slogger.Info("processing archive", "path", path, "size", config.ByteSize(len(data)).String(), "workers", pipeline.Workers())

	rs, err := pipeline.Process(ctx, data)
	if err != nil {
		return err
	}
	counts := rs.Counts()
	slogger.Info("archive processed",
		"format", rs.Format,
		"artifacts", counts.Artifacts,
		"events", counts.Events,
		"diagnostics", counts.Diagnostics,
	)

	if opts.summary {
		return writeSummary(out, rs)
	}
	if opts.noRaw {
		rs.Raw = map[string]string{}
	}
	return codec.Encode(out, format, rs, opts.pretty)
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(filepath.Clean(path))
}

// writeSummary prints one row per artifact followed by the diagnostics.
func writeSummary(w io.Writer, rs *core.RecordSet) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ARTIFACT\tDIALECT\tDESTINATION\tSIZE")
	for _, a := range rs.Artifacts {
		size := config.ByteSize(a.Size).String()
		if a.Truncated {
			size += " (truncated)"
		}
		dest := a.Destination
		if dest == "" {
			dest = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Name, a.Dialect, dest, size)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	counts := rs.Counts()
	fmt.Fprintf(w, "\n%d events, %d sections, %d tables, %d series, %d unrecognized\n",
		counts.Events, counts.Sections, counts.Tables, counts.Series, counts.Unrecognized)

	if len(rs.Diagnostics) == 0 {
		return nil
	}
	fmt.Fprintf(w, "\n%d diagnostics:\n", len(rs.Diagnostics))
	for _, d := range rs.Diagnostics {
		if _, err := fmt.Fprintln(w, "  "+d.String()); err != nil {
			return err
		}
	}
	return nil
}
