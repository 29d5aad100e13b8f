package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/brokensandals/export-manager/internal/dataset"
	"github.com/brokensandals/export-manager/internal/log"
	"github.com/brokensandals/export-manager/internal/report"
)

var version = "0.1.0-dev"

func main() {
	log.Setup(os.Getenv("EXPORT_MANAGER_LOG_LEVEL"))
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "init":
		return runInit(args)
	case "export":
		return runExport(args)
	case "ingest":
		return runIngest(args)
	case "process":
		return runProcess(args)
	case "clean":
		return runClean(args)
	case "reprocess-metrics":
		return runReprocessMetrics(args)
	case "report":
		return runReport(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	git := fs.Bool("git", false, "Set up version control for the dataset and commit changes to it")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: export-manager init [-git] <path>...")
		return 1
	}

	for _, path := range fs.Args() {
		d := dataset.New(path)
		if err := d.Initialize(context.Background(), *git); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize %s: %v\n", path, err)
			return 1
		}
		fmt.Printf("Initialized dataset at %s\n", path)
	}
	return 0
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	parcelID := fs.String("parcel-id", "", "Assign the given parcel id instead of the current time")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: export-manager export [-parcel-id ID] <path>...")
		return 1
	}
	if *parcelID != "" && fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "A parcel id can only be assigned to a single dataset")
		return 1
	}

	for _, path := range fs.Args() {
		d := dataset.New(path)
		id, err := d.PerformExport(context.Background(), *parcelID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Export failed for %s: %v\n", path, err)
			return 1
		}
		if id == "" {
			fmt.Fprintf(os.Stderr, "No export command configured for %s\n", path)
			continue
		}
		fmt.Printf("Exported parcel %s in %s\n", id, path)
	}
	return 0
}

func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	parcelID := fs.String("parcel-id", "", "Assign the given parcel id instead of the current time")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "Usage: export-manager ingest [-parcel-id ID] <dataset> <file>")
		return 1
	}

	path, src := fs.Arg(0), fs.Arg(1)
	d := dataset.New(path)
	if err := d.Ingest(context.Background(), src, *parcelID); err != nil {
		fmt.Fprintf(os.Stderr, "Ingest failed for %s: %v\n", path, err)
		return 1
	}
	fmt.Printf("Ingested %s into %s\n", src, path)
	return 0
}

func runProcess(args []string) int {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: export-manager process <path>...")
		return 1
	}

	anyCaptured := false
	for _, path := range fs.Args() {
		d := dataset.New(path)
		ids, captured, err := d.Process(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Processing failed for %s: %v\n", path, err)
			return 1
		}
		for _, cerr := range captured {
			anyCaptured = true
			fmt.Fprintf(os.Stderr, "Error processing %s: %v\n", path, cerr)
		}
		if len(ids) > 0 {
			fmt.Printf("New parcels in %s: %s\n", path, strings.Join(ids, ", "))
		}
	}
	if anyCaptured {
		return 2
	}
	return 0
}

func runClean(args []string) int {
	fs := flag.NewFlagSet("clean", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: export-manager clean <path>...")
		return 1
	}

	for _, path := range fs.Args() {
		d := dataset.New(path)
		if err := d.Clean(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Clean failed for %s: %v\n", path, err)
			return 1
		}
	}
	return 0
}

func runReprocessMetrics(args []string) int {
	fs := flag.NewFlagSet("reprocess-metrics", flag.ContinueOnError)
	parcelID := fs.String("parcel-id", "", "Only recalculate metrics for the given parcel")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: export-manager reprocess-metrics [-parcel-id ID] <path>...")
		return 1
	}
	if *parcelID != "" && fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "A parcel id can only be given for a single dataset")
		return 1
	}

	for _, path := range fs.Args() {
		d := dataset.New(path)
		ids := []string{*parcelID}
		if *parcelID == "" {
			var err error
			ids, err = d.FindParcelIDs()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to list parcels in %s: %v\n", path, err)
				return 1
			}
		}
		if err := d.ReprocessMetrics(context.Background(), ids); err != nil {
			fmt.Fprintf(os.Stderr, "Reprocessing metrics failed for %s: %v\n", path, err)
			return 1
		}
	}
	return 0
}

func runReport(args []string) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	datasets := make([]*dataset.Dataset, 0, fs.NArg())
	for _, path := range fs.Args() {
		d := dataset.New(path)
		if !d.Valid() {
			fmt.Fprintf(os.Stderr, "Not a dataset: %s\n", path)
			return 1
		}
		datasets = append(datasets, d)
	}

	r, err := report.Build(datasets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build report: %v\n", err)
		return 1
	}
	fmt.Print(r.Plaintext())
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigUsage()
		return 1
	}
	switch args[0] {
	case "lock":
		return runConfigLock(args[1:])
	case "check":
		return runConfigCheck(args[1:])
	case "help", "--help", "-h":
		printConfigUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config command: %s\n\n", args[0])
		printConfigUsage()
		return 1
	}
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: export-manager config lock <path>...")
		return 1
	}

	for _, path := range fs.Args() {
		d := dataset.New(path)
		if err := d.LockConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to lock config for %s: %v\n", path, err)
			return 1
		}
		fmt.Printf("Locked config for %s\n", path)
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: export-manager config check <path>...")
		return 1
	}

	bad := false
	for _, path := range fs.Args() {
		d := dataset.New(path)
		problems := d.CheckConfig()
		for _, p := range problems {
			bad = true
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, p)
		}
		if len(problems) == 0 {
			fmt.Printf("Config OK: %s\n", path)
		}
	}
	if bad {
		return 1
	}
	return 0
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	v := strings.TrimSpace(version)
	if v == "" {
		v = "0.0.0-dev"
	}
	commit := readBuildSetting("vcs.revision")
	if len(commit) > 12 {
		commit = commit[:12]
	}
	fmt.Printf("export-manager %s\n", v)
	if commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	return 0
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`export-manager - Scheduled snapshots of personal data exports

Usage:
  export-manager <command> [flags] <path>...

Dataset Commands:
  init               Set up a new dataset directory
  export             Run the export command and record metrics
  ingest             Pull an existing file into a dataset as a new parcel
  process            Ingest, export if due, update metrics, and clean
  clean              Delete old parcels beyond the retention count
  reprocess-metrics  Recalculate metrics for existing parcels
  report             Summarize the health of one or more datasets

Config Commands:
  config lock        Record the config file's checksum
  config check       Validate config syntax and integrity

General:
  version            Show version information
  help               Show this help message

Datasets are directories; each holds a config.yaml, a metrics.csv, and the
data, incomplete, and log directories for its parcels. The process command
is designed to be run periodically from cron against every dataset.
`)
}

func printConfigUsage() {
	fmt.Print(`Usage:
  export-manager config lock <path>...
  export-manager config check <path>...

lock records a checksum of each dataset's config.yaml; later reads fail if
the file changes without a fresh lock. check validates the configuration
and reports every problem found.
`)
}
