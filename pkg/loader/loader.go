// Package loader reads FHIR conformance resources from the NPM package cache,
// .tgz packages (local, remote or in memory), loose JSON files and directories.
//
// Resources are kept in a deterministic order (file name order inside a
// package or directory, argument order otherwise) and are never de-duplicated
// by URL, so several versions of one profile survive loading.
package loader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/gofhir/profilevalidator/pkg/logger"
)

// ErrNoResources is returned when a source contains no FHIR resources.
var ErrNoResources = errors.New("no FHIR resources found")

// DefaultPackagePath returns the default FHIR package cache path.
func DefaultPackagePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".fhir", "packages")
}

// PackageRef represents a reference to a FHIR package.
type PackageRef struct {
	Name    string
	Version string
}

// String returns the package spec in "name#version" format.
func (p PackageRef) String() string {
	return fmt.Sprintf("%s#%s", p.Name, p.Version)
}

// Resource is one conformance resource with the identifying fields peeked
// from its JSON.
type Resource struct {
	ResourceType string
	ID           string
	URL          string
	Version      string
	Source       string
	Data         json.RawMessage
}

// Package represents a loaded set of resources.
type Package struct {
	Name        string
	Version     string
	Path        string
	FHIRVersion string
	Resources   []Resource
}

// OfType returns the package resources with the given resourceType, in order.
func (p *Package) OfType(resourceType string) []Resource {
	var out []Resource
	for _, r := range p.Resources {
		if r.ResourceType == resourceType {
			out = append(out, r)
		}
	}
	return out
}

// PackageManifest represents the package.json of a FHIR NPM package.
type PackageManifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	FHIRVersion  string            `json:"fhirVersion,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// DefaultPackages maps FHIR versions to the packages holding their base
// definitions and terminology.
var DefaultPackages = map[string][]PackageRef{
	"4.0.1": {
		{Name: "hl7.fhir.r4.core", Version: "4.0.1"},
		{Name: "hl7.terminology.r4", Version: "7.0.1"},
	},
	"4.3.0": {
		{Name: "hl7.fhir.r4b.core", Version: "4.3.0"},
		{Name: "hl7.terminology.r4", Version: "7.0.1"},
	},
}

// Loader loads FHIR packages and loose resources from a filesystem.
type Loader struct {
	basePath string
	fs       billy.Filesystem
	client   *http.Client
}

// NewLoader creates a Loader over the OS filesystem with the given NPM cache
// base path.
func NewLoader(basePath string) *Loader {
	return NewLoaderFS(osfs.New("/"), basePath)
}

// NewLoaderFS creates a Loader reading from fs, e.g. a memfs in tests.
// Relative paths are resolved against the working directory.
func NewLoaderFS(fs billy.Filesystem, basePath string) *Loader {
	if basePath == "" {
		basePath = DefaultPackagePath()
	}
	return &Loader{basePath: basePath, fs: fs, client: http.DefaultClient}
}

// abs makes path absolute; the OS filesystem is rooted at "/".
func abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if p, err := filepath.Abs(path); err == nil {
		return p
	}
	return path
}

// BasePath returns the base path for packages.
func (l *Loader) BasePath() string {
	return l.basePath
}

// LoadPackage loads a specific package by name and version from the cache.
func (l *Loader) LoadPackage(name, version string) (*Package, error) {
	pkgDir := filepath.Join(abs(l.basePath), fmt.Sprintf("%s#%s", name, version))

	if _, err := l.fs.Stat(pkgDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("package %s#%s not found at %s", name, version, pkgDir)
	}

	manifestPath := filepath.Join(pkgDir, "package", "package.json")
	manifestData, err := util.ReadFile(l.fs, manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read package manifest: %w", err)
	}

	var manifest PackageManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse package manifest: %w", err)
	}

	pkg, err := l.LoadFromDirectory(filepath.Join(pkgDir, "package"))
	if err != nil && !errors.Is(err, ErrNoResources) {
		return nil, err
	}
	if pkg == nil {
		pkg = &Package{}
	}

	pkg.Name = name
	pkg.Version = version
	pkg.Path = pkgDir
	pkg.FHIRVersion = manifest.FHIRVersion
	return pkg, nil
}

// LoadPackageRef loads a package from a PackageRef.
func (l *Loader) LoadPackageRef(ref PackageRef) (*Package, error) {
	return l.LoadPackage(ref.Name, ref.Version)
}

// LoadVersion loads the default packages for a FHIR version. The core
// package is required; the others are skipped with a warning.
func (l *Loader) LoadVersion(version string) ([]*Package, error) {
	refs, ok := DefaultPackages[version]
	if !ok {
		return nil, fmt.Errorf("unknown FHIR version: %s (supported: 4.0.1, 4.3.0)", version)
	}

	packages := make([]*Package, 0, len(refs))
	for _, ref := range refs {
		pkg, err := l.LoadPackageRef(ref)
		if err != nil {
			if strings.Contains(ref.Name, ".core") {
				return nil, fmt.Errorf("failed to load core package: %w", err)
			}
			logger.Warn("Skipping optional package %s: %v", ref, err)
			continue
		}
		packages = append(packages, pkg)
	}

	return packages, nil
}

// ListPackages returns all available packages in the cache.
func (l *Loader) ListPackages() ([]string, error) {
	entries, err := l.fs.ReadDir(abs(l.basePath))
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var packages []string
	for _, entry := range entries {
		if entry.IsDir() && strings.Contains(entry.Name(), "#") {
			packages = append(packages, entry.Name())
		}
	}
	return packages, nil
}

// ParsePackageSpec parses "name#version" into separate components.
func ParsePackageSpec(spec string) (name, version string) {
	parts := strings.SplitN(spec, "#", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return spec, ""
}

// LoadFromDirectory loads every *.json file of dir (non-recursive) in file
// name order. package.json and .index.json are ignored.
func (l *Loader) LoadFromDirectory(dir string) (*Package, error) {
	entries, err := l.fs.ReadDir(abs(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if entry.Name() == "package.json" || entry.Name() == ".index.json" {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)

	pkg, err := l.LoadFromFiles(paths...)
	if err != nil {
		return nil, err
	}
	pkg.Name = filepath.Base(dir)
	pkg.Path = dir
	return pkg, nil
}

// LoadFromFiles loads JSON resources (or Bundles of them) from files, in
// argument order.
func (l *Loader) LoadFromFiles(paths ...string) (*Package, error) {
	pkg := &Package{Name: "files"}
	for _, path := range paths {
		data, err := util.ReadFile(l.fs, abs(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := pkg.add(data, path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	if len(pkg.Resources) == 0 {
		return nil, ErrNoResources
	}
	return pkg, nil
}

// LoadFromResources wraps individual JSON resources (e.g. read from a
// database) into a package, in slice order.
func (l *Loader) LoadFromResources(resources [][]byte) (*Package, error) {
	pkg := &Package{Name: "resources"}
	for i, data := range resources {
		if err := pkg.add(data, fmt.Sprintf("resources[%d]", i)); err != nil {
			return nil, err
		}
	}
	if len(pkg.Resources) == 0 {
		return nil, ErrNoResources
	}
	return pkg, nil
}

// LoadFromTgz loads a FHIR package from a local .tgz file.
func (l *Loader) LoadFromTgz(tgzPath string) (*Package, error) {
	file, err := l.fs.Open(abs(tgzPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open tgz file: %w", err)
	}
	defer file.Close()

	return l.loadFromTgzReader(file, tgzPath)
}

// LoadFromTgzData loads a FHIR package from .tgz bytes held in memory.
func (l *Loader) LoadFromTgzData(data []byte) (*Package, error) {
	return l.loadFromTgzReader(bytes.NewReader(data), "memory")
}

// LoadFromURL downloads a .tgz package and loads it.
func (l *Loader) LoadFromURL(ctx context.Context, url string) (*Package, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download package from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download package: HTTP %d", resp.StatusCode)
	}

	return l.loadFromTgzReader(resp.Body, url)
}

// loadFromTgzReader loads a package from a gzipped tar stream. Entries are
// sorted by name before indexing.
func (l *Loader) loadFromTgzReader(reader io.Reader, source string) (*Package, error) {
	gzReader, err := gzip.NewReader(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)

	type entry struct {
		name string
		data []byte
	}
	var entries []entry
	var manifestData []byte

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar entry: %w", err)
		}
		if header.Typeflag == tar.TypeDir {
			continue
		}

		name := strings.TrimPrefix(header.Name, "package/")
		if !strings.HasSuffix(name, ".json") || strings.Contains(name, "/") {
			continue
		}

		data, err := io.ReadAll(tarReader)
		if err != nil {
			logger.Debug("Skipping unreadable entry %s in %s: %v", name, source, err)
			continue
		}

		switch name {
		case "package.json":
			manifestData = data
		case ".index.json":
		default:
			entries = append(entries, entry{name: name, data: data})
		}
	}

	if manifestData == nil {
		return nil, fmt.Errorf("package.json not found in %s", source)
	}

	var manifest PackageManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse package manifest: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	pkg := &Package{
		Name:        manifest.Name,
		Version:     manifest.Version,
		FHIRVersion: manifest.FHIRVersion,
		Path:        source,
	}
	for _, e := range entries {
		if err := pkg.add(e.data, source+"!"+e.name); err != nil {
			logger.Debug("Skipping %s: %v", e.name, err)
		}
	}

	return pkg, nil
}

// add appends the resource in data, or every entry resource when data is a
// Bundle.
func (p *Package) add(data []byte, source string) error {
	var peek struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
		URL          string `json:"url"`
		Version      string `json:"version"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if peek.ResourceType == "" {
		return fmt.Errorf("missing resourceType")
	}

	if peek.ResourceType == "Bundle" {
		var bundle struct {
			Entry []struct {
				Resource json.RawMessage `json:"resource"`
			} `json:"entry"`
		}
		if err := json.Unmarshal(data, &bundle); err != nil {
			return fmt.Errorf("failed to parse Bundle: %w", err)
		}
		for i, e := range bundle.Entry {
			if len(e.Resource) == 0 {
				continue
			}
			if err := p.add(e.Resource, fmt.Sprintf("%s#entry[%d]", source, i)); err != nil {
				logger.Debug("Skipping bundle entry %d of %s: %v", i, source, err)
			}
		}
		return nil
	}

	p.Resources = append(p.Resources, Resource{
		ResourceType: peek.ResourceType,
		ID:           peek.ID,
		URL:          peek.URL,
		Version:      peek.Version,
		Source:       source,
		Data:         json.RawMessage(data),
	})
	return nil
}
