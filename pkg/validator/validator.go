// Package validator checks FHIR resources against versioned profiles.
//
// Profiles are looked up through a validation support chain: custom
// definitions first, then base FHIR definitions, then terminology. The
// chain is wrapped with snapshot generation and a memoizing cache, so
// differential-only profiles are expanded once and reused.
package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/gofhir/fhirpath/funcs"

	"github.com/gofhir/profilevalidator/pkg/binding"
	"github.com/gofhir/profilevalidator/pkg/cache"
	"github.com/gofhir/profilevalidator/pkg/canonical"
	"github.com/gofhir/profilevalidator/pkg/cardinality"
	"github.com/gofhir/profilevalidator/pkg/instance"
	"github.com/gofhir/profilevalidator/pkg/invariant"
	"github.com/gofhir/profilevalidator/pkg/issue"
	"github.com/gofhir/profilevalidator/pkg/location"
	"github.com/gofhir/profilevalidator/pkg/loader"
	"github.com/gofhir/profilevalidator/pkg/logger"
	"github.com/gofhir/profilevalidator/pkg/registry"
	"github.com/gofhir/profilevalidator/pkg/resolver"
	"github.com/gofhir/profilevalidator/pkg/support"
	"github.com/gofhir/profilevalidator/pkg/terminology"
)

func init() {
	// Disable FHIRPath trace() output by default.
	funcs.SetTraceLogger(funcs.NullTraceLogger{})
}

// Validator validates resources against profiles. It is read-only after
// New and safe for concurrent use.
type Validator struct {
	config   *Config
	custom   *registry.Registry
	base     *registry.Registry
	cache    *support.Cache
	resolver *resolver.Resolver

	cardValidator      *cardinality.Evaluator
	invariantValidator *invariant.Evaluator
	bindValidator      *binding.Evaluator
}

// PackageSpec names an NPM package in the local package cache.
type PackageSpec struct {
	Name    string
	Version string
}

// ErrNilResource is returned by ValidateResource for a nil resource.
var ErrNilResource = errors.New("nil resource")

// Config holds the validator configuration.
type Config struct {
	BaseVersion          string        // FHIR version of the base definitions; empty loads none
	PackagePath          string        // Path to FHIR package cache
	ProfileFiles         []string      // StructureDefinition / Bundle JSON files
	ProfileDirs          []string      // Directories of conformance resource JSON files
	Packages             []PackageSpec // Packages from the cache (e.g. an IG)
	PackageTgzPaths      []string      // Paths to local .tgz package files
	PackageURLs          []string      // URLs to remote .tgz package files
	PackageData          [][]byte      // In-memory .tgz package bytes (e.g., from //go:embed)
	ConformanceResources [][]byte      // Individual conformance resource JSON bytes
	Invariants           bool          // Evaluate FHIRPath invariants
	TerminologyChecks    bool          // Check required bindings

	// Filesystem the loader reads from; nil means the OS filesystem.
	Filesystem billy.Filesystem
}

// Option is a functional option for configuring the validator.
type Option func(*Config)

// WithBaseDefinitions loads the core packages of a FHIR version (e.g.
// "4.0.1") so profiles can be snapshotted against their base.
func WithBaseDefinitions(version string) Option {
	return func(c *Config) {
		c.BaseVersion = version
	}
}

// WithFilesystem makes profile files, directories, local .tgz packages and
// the package cache resolve against fs instead of the OS filesystem.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(c *Config) {
		c.Filesystem = fs
	}
}

// WithPackagePath sets the FHIR package cache path.
func WithPackagePath(path string) Option {
	return func(c *Config) {
		c.PackagePath = path
	}
}

// WithProfileFiles loads conformance resources from JSON files.
func WithProfileFiles(paths ...string) Option {
	return func(c *Config) {
		c.ProfileFiles = append(c.ProfileFiles, paths...)
	}
}

// WithProfileDir loads every JSON conformance resource in dir.
func WithProfileDir(dir string) Option {
	return func(c *Config) {
		c.ProfileDirs = append(c.ProfileDirs, dir)
	}
}

// WithPackage adds a package from the package cache (e.g., US Core, IPS).
func WithPackage(name, version string) Option {
	return func(c *Config) {
		c.Packages = append(c.Packages, PackageSpec{Name: name, Version: version})
	}
}

// WithPackageTgz adds a local .tgz package file to load.
func WithPackageTgz(path string) Option {
	return func(c *Config) {
		c.PackageTgzPaths = append(c.PackageTgzPaths, path)
	}
}

// WithPackageURL adds a remote .tgz package URL to load.
func WithPackageURL(url string) Option {
	return func(c *Config) {
		c.PackageURLs = append(c.PackageURLs, url)
	}
}

// WithPackageData loads a FHIR package from .tgz bytes in memory.
// Useful for packages embedded in the binary via //go:embed.
func WithPackageData(data []byte) Option {
	return func(c *Config) {
		c.PackageData = append(c.PackageData, data)
	}
}

// WithConformanceResources loads individual conformance resources (JSON
// bytes) such as StructureDefinitions, ValueSets and CodeSystems.
func WithConformanceResources(resources [][]byte) Option {
	return func(c *Config) {
		c.ConformanceResources = append(c.ConformanceResources, resources...)
	}
}

// WithInvariants enables FHIRPath invariant evaluation.
func WithInvariants(enabled bool) Option {
	return func(c *Config) {
		c.Invariants = enabled
	}
}

// WithTerminologyChecks enables required binding checks.
func WithTerminologyChecks(enabled bool) Option {
	return func(c *Config) {
		c.TerminologyChecks = enabled
	}
}

// validateConfig holds per-call validation options.
type validateConfig struct {
	profiles []string
}

// ValidateOption configures a single Validate call.
type ValidateOption func(*validateConfig)

// ValidateWithProfile supplies profile references for this call. When any
// are supplied they replace the instance's meta.profile.
func ValidateWithProfile(refs ...string) ValidateOption {
	return func(c *validateConfig) {
		c.profiles = append(c.profiles, refs...)
	}
}

// New creates a Validator. See NewContext.
func New(opts ...Option) (*Validator, error) {
	return NewContext(context.Background(), opts...)
}

// NewContext creates a Validator, loading every configured source. Remote
// packages are fetched with ctx. Two definitions with the same url and
// version make it fail with a *registry.DuplicateVersionError.
func NewContext(ctx context.Context, opts ...Option) (*Validator, error) {
	startTime := time.Now()
	startMem := getMemUsage()

	config := &Config{}
	for _, opt := range opts {
		opt(config)
	}

	l := loader.NewLoader(config.PackagePath)
	if config.Filesystem != nil {
		l = loader.NewLoaderFS(config.Filesystem, config.PackagePath)
	}
	logger.Info("Initializing profile validator")
	logger.Debug("Package cache: %s", l.BasePath())

	base := registry.New()
	baseStore := terminology.NewStore()
	if config.BaseVersion != "" {
		logger.Info("Loading base definitions for FHIR %s...", config.BaseVersion)
		packages, err := l.LoadVersion(config.BaseVersion)
		if err != nil {
			return nil, fmt.Errorf("failed to load base definitions: %w", err)
		}
		if err := base.LoadFromPackages(packages); err != nil {
			return nil, fmt.Errorf("failed to index base definitions: %w", err)
		}
		if err := baseStore.LoadFromPackages(packages); err != nil {
			return nil, fmt.Errorf("failed to index base terminology: %w", err)
		}
		logger.Info("  Indexed %d base StructureDefinitions", base.Count())
	}

	packages, err := loadCustom(ctx, l, config)
	if err != nil {
		return nil, err
	}

	custom := registry.New()
	if err := custom.LoadFromPackages(packages); err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	customStore := terminology.NewStore()
	if err := customStore.LoadFromPackages(packages); err != nil {
		return nil, fmt.Errorf("failed to load terminology: %w", err)
	}
	logger.Info("  Indexed %d profiles, %d ValueSets, %d CodeSystems",
		custom.Count(), customStore.CountValueSets(), customStore.CountCodeSystems())

	chain := support.NewChain(
		support.NewPrePopulated(custom, customStore),
		support.NewDefaultProfile(base),
		terminology.NewInMemory(baseStore),
		terminology.NewCommonCodeSystems(),
	)
	cached := support.NewCache(support.NewSnapshotting(chain))
	logger.Debug("Support chain: %s", cached.Name())

	v := &Validator{
		config:   config,
		custom:   custom,
		base:     base,
		cache:    cached,
		resolver: resolver.New(cached),

		cardValidator:      cardinality.New(),
		invariantValidator: invariant.New(),
		bindValidator:      binding.New(cached),
	}

	logger.Info("Validator ready in %v (memory: +%s)",
		time.Since(startTime).Round(time.Millisecond), formatBytes(getMemUsage()-startMem))
	return v, nil
}

// loadCustom loads every profile source in configuration order. Package
// sources that cannot be loaded are skipped with a warning; profile files
// and directories are required.
func loadCustom(ctx context.Context, l *loader.Loader, config *Config) ([]*loader.Package, error) {
	var packages []*loader.Package

	for _, dir := range config.ProfileDirs {
		pkg, err := l.LoadFromDirectory(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile directory %s: %w", dir, err)
		}
		logger.Info("  Loaded %d resources from %s", len(pkg.Resources), dir)
		packages = append(packages, pkg)
	}

	if len(config.ProfileFiles) > 0 {
		pkg, err := l.LoadFromFiles(config.ProfileFiles...)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile files: %w", err)
		}
		logger.Info("  Loaded %d resources from %d files", len(pkg.Resources), len(config.ProfileFiles))
		packages = append(packages, pkg)
	}

	for _, spec := range config.Packages {
		pkg, err := l.LoadPackage(spec.Name, spec.Version)
		if err != nil {
			logger.Warn("Could not load package %s#%s: %v", spec.Name, spec.Version, err)
			continue
		}
		logger.Info("  Loaded package %s#%s", pkg.Name, pkg.Version)
		packages = append(packages, pkg)
	}

	for _, tgzPath := range config.PackageTgzPaths {
		pkg, err := l.LoadFromTgz(tgzPath)
		if err != nil {
			logger.Warn("Could not load package from tgz %s: %v", tgzPath, err)
			continue
		}
		logger.Info("  Loaded package from tgz: %s#%s", pkg.Name, pkg.Version)
		packages = append(packages, pkg)
	}

	for _, url := range config.PackageURLs {
		pkg, err := l.LoadFromURL(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("Could not load package from URL %s: %v", url, err)
			continue
		}
		logger.Info("  Loaded package from URL: %s#%s", pkg.Name, pkg.Version)
		packages = append(packages, pkg)
	}

	for i, data := range config.PackageData {
		pkg, err := l.LoadFromTgzData(data)
		if err != nil {
			logger.Warn("Could not load package from memory data[%d]: %v", i, err)
			continue
		}
		logger.Info("  Loaded package from memory: %s#%s", pkg.Name, pkg.Version)
		packages = append(packages, pkg)
	}

	if len(config.ConformanceResources) > 0 {
		pkg, err := l.LoadFromResources(config.ConformanceResources)
		if err != nil {
			return nil, fmt.Errorf("failed to load conformance resources: %w", err)
		}
		logger.Info("  Loaded %d conformance resources from memory", len(pkg.Resources))
		packages = append(packages, pkg)
	}

	return packages, nil
}

// getMemUsage returns the current memory allocation in bytes.
func getMemUsage() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}

// formatBytes formats bytes as human-readable string.
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// Validate parses resource and validates it. Invalid JSON or a missing
// resourceType is reported as a single fatal message. An error is returned
// only for malformed explicit references, cancellation, or a failing
// support module.
func (v *Validator) Validate(ctx context.Context, resource []byte, opts ...ValidateOption) (*issue.Result, error) {
	startTime := time.Now()

	refs, err := explicitReferences(opts)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := issue.NewResult()
	result.Stats = &issue.Stats{ResourceSize: len(resource)}

	res, err := instance.Parse(resource)
	if err != nil {
		switch {
		case errors.Is(err, instance.ErrNoResourceType):
			result.AddWithID(issue.DiagStructureNoResourceType, nil, "")
		default:
			result.AddWithID(issue.DiagStructureInvalidJSON, map[string]any{"error": err}, "")
		}
		result.Stats.Duration = time.Since(startTime).Nanoseconds()
		return result, nil
	}

	if err := v.validate(ctx, res, refs, result); err != nil {
		return nil, err
	}
	enrichLocations(result, res.Raw)
	result.Stats.Duration = time.Since(startTime).Nanoseconds()
	v.logDone(result)
	return result, nil
}

// ValidateResource validates an already parsed resource, e.g. one built
// with instance.FromMap.
func (v *Validator) ValidateResource(ctx context.Context, res *instance.Resource, opts ...ValidateOption) (*issue.Result, error) {
	startTime := time.Now()

	refs, err := explicitReferences(opts)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if res == nil || res.Data == nil {
		return nil, ErrNilResource
	}

	// Invariants and locations work on the JSON source.
	if len(res.Raw) == 0 {
		raw, err := json.Marshal(res.Data)
		if err != nil {
			return nil, fmt.Errorf("encoding resource: %w", err)
		}
		withRaw := *res
		withRaw.Raw = raw
		res = &withRaw
	}

	result := issue.NewResult()
	result.Stats = &issue.Stats{ResourceSize: len(res.Raw)}
	if err := v.validate(ctx, res, refs, result); err != nil {
		return nil, err
	}
	enrichLocations(result, res.Raw)
	result.Stats.Duration = time.Since(startTime).Nanoseconds()
	v.logDone(result)
	return result, nil
}

// ValidateJSON validates a FHIR resource from a JSON string.
func (v *Validator) ValidateJSON(ctx context.Context, jsonStr string, opts ...ValidateOption) (*issue.Result, error) {
	return v.Validate(ctx, []byte(jsonStr), opts...)
}

// explicitReferences parses the per-call references. A malformed one fails
// the call before anything is resolved.
func explicitReferences(opts []ValidateOption) ([]canonical.Reference, error) {
	var vc validateConfig
	for _, opt := range opts {
		opt(&vc)
	}

	refs := make([]canonical.Reference, 0, len(vc.profiles))
	for _, raw := range vc.profiles {
		ref, err := canonical.Parse(raw)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// validate checks res against each reference in presentation order. With
// no explicit references, meta.profile is used.
func (v *Validator) validate(ctx context.Context, res *instance.Resource, explicit []canonical.Reference, result *issue.Result) error {
	result.Stats.ResourceType = res.Type

	refs := explicit
	if len(refs) == 0 {
		refs = v.declaredReferences(res, result)
	}

	logger.Debug("Validating %s (%d bytes) against %d profile(s)", res.Type, len(res.Raw), len(refs))

	seen := make(map[canonical.Reference]bool, len(refs))
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true

		outcome, err := v.resolver.Resolve(ctx, ref)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", ref, err)
		}
		if !outcome.Resolved() {
			logger.Debug("  Profile %s is unknown", ref)
			result.Stats.ProfilesUnknown++
			result.AddWithID(issue.DiagProfileUnknown, map[string]any{"reference": ref.String()}, "")
			continue
		}

		def := outcome.Definition
		logger.Debug("  Profile: %s", def.Canonical())
		result.Stats.ProfilesChecked = append(result.Stats.ProfilesChecked, def.Canonical())
		if err := v.validateAgainstProfile(ctx, res, def, result); err != nil {
			return err
		}
	}
	return nil
}

// declaredReferences parses meta.profile. Malformed entries become
// messages and are not resolved.
func (v *Validator) declaredReferences(res *instance.Resource, result *issue.Result) []canonical.Reference {
	declared := res.DeclaredProfiles()
	refs := make([]canonical.Reference, 0, len(declared))
	for _, raw := range declared {
		ref, err := canonical.Parse(raw)
		if err != nil {
			result.AddWithID(issue.DiagProfileInvalid, map[string]any{"reference": raw}, res.Type+".meta.profile")
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// validateAgainstProfile runs the enabled phases against one definition.
func (v *Validator) validateAgainstProfile(ctx context.Context, res *instance.Resource, def *registry.Definition, result *issue.Result) error {
	// Phase 1: Cardinality
	result.AddAll(v.cardValidator.Evaluate(res, def))

	// Phase 2: Invariants (FHIRPath)
	if v.config.Invariants {
		result.AddAll(v.invariantValidator.Evaluate(res, def))
	}

	// Phase 3: Required bindings
	if v.config.TerminologyChecks {
		msgs, err := v.bindValidator.Evaluate(ctx, res, def)
		if err != nil {
			return fmt.Errorf("checking bindings of %s: %w", def.Canonical(), err)
		}
		result.AddAll(msgs)
	}
	return nil
}

// enrichLocations adds line/column information from the source JSON.
func enrichLocations(result *issue.Result, raw []byte) {
	if len(raw) == 0 {
		return
	}
	result.EnrichLocations(func(path string) (int, int, bool) {
		loc, ok := location.Find(raw, path)
		return loc.Line, loc.Column, ok
	})
}

func (v *Validator) logDone(result *issue.Result) {
	logger.Debug("Validated %s in %.3fms: %d errors, %d warnings",
		result.Stats.ResourceType,
		result.Stats.DurationMs(),
		result.ErrorCount(),
		result.WarningCount(),
	)
}

// Registry returns the registry of custom definitions.
func (v *Validator) Registry() *registry.Registry {
	return v.custom
}

// BaseRegistry returns the registry of base FHIR definitions.
func (v *Validator) BaseRegistry() *registry.Registry {
	return v.base
}

// Support returns the cached support chain used for lookups.
func (v *Validator) Support() support.ValidationSupport {
	return v.cache
}

// CacheStats reports definition cache usage.
func (v *Validator) CacheStats() cache.Stats {
	return v.cache.Stats()
}

// Config returns the validator configuration.
func (v *Validator) Config() *Config {
	return v.config
}
