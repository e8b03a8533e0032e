// Package main implements the profilevalidator CLI tool.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofhir/profilevalidator/pkg/issue"
	"github.com/gofhir/profilevalidator/pkg/loader"
	"github.com/gofhir/profilevalidator/pkg/logger"
	"github.com/gofhir/profilevalidator/pkg/validator"
	"github.com/gofhir/profilevalidator/pkg/worker"
)

const (
	version = "0.1.0"
	usage   = `profilevalidator - FHIR profile validator

Usage:
  profilevalidator [options] <file>...
  profilevalidator [options] -           (read from stdin)

Examples:
  profilevalidator -profile-dir ./profiles patient.json
  profilevalidator -profile-dir ./profiles -ig http://example.org/StructureDefinition/P|0.2.0 patient.json
  profilevalidator -package hl7.fhir.us.core#6.1.0 -base 4.0.1 -tx patient.json
  profilevalidator -output json *.json

Options:
`
)

// OutputFormat specifies the output format.
type OutputFormat string

// Output format constants.
const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
)

// Config holds CLI configuration
type Config struct {
	ProfileDirs  []string
	ProfileFiles []string
	Packages     []string
	PackageFiles []string
	PackageURLs  []string
	Profiles     []string
	Base         string
	Invariants   bool
	Terminology  bool
	Output       OutputFormat
	Workers      int
	LogLevel     string
	Quiet        bool
	Verbose      bool
	ShowVersion  bool
	Files        []string
}

// ValidationOutput represents the JSON output structure
type ValidationOutput struct {
	Resource   string          `json:"resource"`
	Successful bool            `json:"successful"`
	Errors     int             `json:"errors"`
	Warnings   int             `json:"warnings"`
	Info       int             `json:"info"`
	Profiles   []string        `json:"profiles,omitempty"`
	Messages   []MessageOutput `json:"messages,omitempty"`
	Duration   string          `json:"duration"`
}

// MessageOutput represents a single message in JSON output
type MessageOutput struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Text     string `json:"text"`
	Location string `json:"location,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	ID       string `json:"id,omitempty"`
}

func main() {
	config, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if config.ShowVersion {
		fmt.Printf("profilevalidator v%s\n", version)
		os.Exit(0)
	}

	if len(config.Files) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	exitCode := run(ctx, config, os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(exitCode)
}

func parseFlags(args []string, stderr io.Writer) (*Config, error) {
	config := &Config{Output: OutputText}

	fs := flag.NewFlagSet("profilevalidator", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var profileDirs, profileFiles, packages, packageFiles, packageURLs, profiles, output string
	fs.StringVar(&profileDirs, "profile-dir", "", "Directory(ies) of profile JSON files (comma-separated)")
	fs.StringVar(&profileFiles, "profile-file", "", "Profile JSON file(s) (comma-separated)")
	fs.StringVar(&packages, "package", "", "FHIR package(s) from the package cache (e.g., hl7.fhir.us.core#6.1.0)")
	fs.StringVar(&packageFiles, "package-file", "", "Local .tgz package file(s) to load (comma-separated)")
	fs.StringVar(&packageURLs, "package-url", "", "Remote .tgz package URL(s) to load (comma-separated)")
	fs.StringVar(&profiles, "ig", "", "Profile reference(s) url[|version] to validate against (comma-separated)")
	fs.StringVar(&config.Base, "base", "", "Load base definitions for a FHIR version (4.0.1, 4.3.0)")
	fs.BoolVar(&config.Invariants, "invariants", false, "Evaluate FHIRPath invariants")
	fs.BoolVar(&config.Terminology, "tx", false, "Check required terminology bindings")
	fs.StringVar(&output, "output", "text", "Output format: text, json")
	fs.IntVar(&config.Workers, "workers", 0, "Number of parallel workers (0 = number of CPUs)")
	fs.StringVar(&config.LogLevel, "log-level", "warn", "Log level: debug, info, warn, error, off")
	fs.BoolVar(&config.Quiet, "quiet", false, "Only show errors and warnings")
	fs.BoolVar(&config.Verbose, "verbose", false, "Show detailed output")
	fs.BoolVar(&config.ShowVersion, "v", false, "Show version")

	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	config.ProfileDirs = splitList(profileDirs)
	config.ProfileFiles = splitList(profileFiles)
	config.Packages = splitList(packages)
	config.PackageFiles = splitList(packageFiles)
	config.PackageURLs = splitList(packageURLs)
	config.Profiles = splitList(profiles)

	switch strings.ToLower(output) {
	case "json":
		config.Output = OutputJSON
	case "text":
		config.Output = OutputText
	default:
		return nil, fmt.Errorf("unknown output format %q", output)
	}

	config.Files = fs.Args()
	return config, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// options maps the CLI configuration to validator options.
func (c *Config) options() []validator.Option {
	var opts []validator.Option

	if c.Base != "" {
		opts = append(opts, validator.WithBaseDefinitions(c.Base))
	}
	for _, dir := range c.ProfileDirs {
		opts = append(opts, validator.WithProfileDir(dir))
	}
	if len(c.ProfileFiles) > 0 {
		opts = append(opts, validator.WithProfileFiles(c.ProfileFiles...))
	}
	for _, spec := range c.Packages {
		name, ver := loader.ParsePackageSpec(spec)
		opts = append(opts, validator.WithPackage(name, ver))
	}
	for _, path := range c.PackageFiles {
		opts = append(opts, validator.WithPackageTgz(path))
	}
	for _, url := range c.PackageURLs {
		opts = append(opts, validator.WithPackageURL(url))
	}
	opts = append(opts,
		validator.WithInvariants(c.Invariants),
		validator.WithTerminologyChecks(c.Terminology),
	)
	return opts
}

func configureLogging(config *Config, stderr io.Writer) error {
	logger.SetOutput(stderr)
	switch {
	case config.Verbose:
		logger.SetLevel(logger.LevelDebug)
	case config.Quiet:
		logger.SetLevel(logger.LevelError)
	default:
		level, err := logger.ParseLevel(config.LogLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
	}
	return nil
}

// marshalIndent encodes JSON output; replaced in tests.
var marshalIndent = json.MarshalIndent

func run(ctx context.Context, config *Config, stdin io.Reader, stdout, stderr io.Writer) int {
	if err := configureLogging(config, stderr); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if !config.Quiet {
		fmt.Fprintln(stderr, "Initializing profile validator...")
	}
	v, err := validator.NewContext(ctx, config.options()...)
	if err != nil {
		fmt.Fprintf(stderr, "Error: Failed to initialize validator: %v\n", err)
		return 1
	}

	jobs, readErrors := collectJobs(config, stdin)
	if !config.Quiet {
		fmt.Fprintf(stderr, "Validator ready. Processing %d file(s)...\n\n", len(jobs))
	}

	batch := worker.ValidateBatch(ctx, v, jobs, config.Workers)

	hasErrors := len(readErrors) > 0
	outputs := make([]ValidationOutput, 0, len(batch.Results)+len(readErrors))
	outputs = append(outputs, readErrors...)
	for _, r := range batch.Results {
		outputs = append(outputs, toOutput(r))
		if !r.Successful() {
			hasErrors = true
		}
	}

	if config.Output == OutputJSON {
		jsonOutput, err := marshalIndent(outputs, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "Error: Failed to encode results: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(jsonOutput))
	} else {
		for _, o := range outputs {
			printTextResult(stdout, o, config)
		}
	}

	if config.Verbose {
		stats := v.CacheStats()
		fmt.Fprintf(stderr, "Definition cache: %d entries, %.0f%% hit rate\n", stats.Size, stats.HitRate*100)
	}

	if hasErrors {
		return 1
	}
	return 0
}

// collectJobs reads every input. Unreadable inputs and unmatched patterns
// are returned as failed outputs.
func collectJobs(config *Config, stdin io.Reader) ([]worker.Job, []ValidationOutput) {
	var jobs []worker.Job
	var failed []ValidationOutput

	add := func(name string, data []byte) {
		jobs = append(jobs, worker.Job{ID: name, Resource: data, Profiles: config.Profiles})
	}

	for _, file := range config.Files {
		if file == "-" {
			data, err := io.ReadAll(stdin)
			if err != nil {
				failed = append(failed, failure("stdin", fmt.Sprintf("Failed to read stdin: %v", err)))
				continue
			}
			add("stdin", data)
			continue
		}

		matches, err := filepath.Glob(file)
		if err != nil {
			failed = append(failed, failure(file, fmt.Sprintf("Invalid pattern: %v", err)))
			continue
		}
		if len(matches) == 0 {
			failed = append(failed, failure(file, "No files match pattern"))
			continue
		}
		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				failed = append(failed, failure(match, fmt.Sprintf("Failed to read file: %v", err)))
				continue
			}
			add(match, data)
		}
	}
	return jobs, failed
}

func failure(name, text string) ValidationOutput {
	return ValidationOutput{
		Resource: name,
		Errors:   1,
		Messages: []MessageOutput{{
			Severity: string(issue.SeverityError),
			Code:     "exception",
			Text:     text,
		}},
	}
}

func toOutput(r *worker.JobResult) ValidationOutput {
	duration := time.Duration(r.Duration)
	if r.Error != nil {
		o := failure(r.ID, fmt.Sprintf("Validation failed: %v", r.Error))
		o.Duration = duration.String()
		return o
	}

	result := r.Result
	output := ValidationOutput{
		Resource:   r.ID,
		Successful: result.Successful(),
		Errors:     result.ErrorCount(),
		Warnings:   result.WarningCount(),
		Info:       result.InfoCount(),
		Duration:   duration.Round(time.Microsecond).String(),
	}
	if result.Stats != nil {
		output.Profiles = result.Stats.ProfilesChecked
	}
	for _, m := range result.Messages {
		output.Messages = append(output.Messages, MessageOutput{
			Severity: string(m.Severity),
			Code:     string(m.Code),
			Text:     m.Text,
			Location: m.Location,
			Line:     m.Line,
			Column:   m.Column,
			ID:       string(m.MessageID),
		})
	}
	return output
}

func printTextResult(w io.Writer, o ValidationOutput, config *Config) {
	status := "SUCCESS"
	if !o.Successful {
		status = "FAILED"
	}

	fmt.Fprintf(w, "== %s ==\n", o.Resource)
	fmt.Fprintf(w, "Status: %s\n", status)
	fmt.Fprintf(w, "Errors: %d, Warnings: %d, Info: %d\n", o.Errors, o.Warnings, o.Info)
	if len(o.Profiles) > 0 {
		fmt.Fprintf(w, "Profiles: %s\n", strings.Join(o.Profiles, ", "))
	}
	if o.Duration != "" {
		fmt.Fprintf(w, "Duration: %s\n", o.Duration)
	}

	if len(o.Messages) > 0 {
		fmt.Fprintln(w, "\nMessages:")
		for _, m := range o.Messages {
			// Skip info in quiet mode
			if config.Quiet && m.Severity == string(issue.SeverityInformation) {
				continue
			}

			location := ""
			if m.Location != "" {
				location = fmt.Sprintf(" @ %s", m.Location)
			}
			if m.Line > 0 {
				location += fmt.Sprintf(" (line %d, col %d)", m.Line, m.Column)
			}
			fmt.Fprintf(w, "  %s [%s] %s%s\n", getSeverityIcon(m.Severity), m.Code, m.Text, location)
		}
	}

	fmt.Fprintln(w)
}

func getSeverityIcon(severity string) string {
	switch issue.Severity(severity) {
	case issue.SeverityFatal:
		return "FATAL"
	case issue.SeverityError:
		return "ERROR"
	case issue.SeverityWarning:
		return "WARN "
	case issue.SeverityInformation:
		return "INFO "
	default:
		return "     "
	}
}
