package loader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
)

func TestDefaultPackagePath(t *testing.T) {
	path := DefaultPackagePath()
	if path == "" {
		t.Error("DefaultPackagePath returned empty string")
	}

	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, ".fhir", "packages")
	if path != expected {
		t.Errorf("DefaultPackagePath = %q, want %q", path, expected)
	}
}

func TestPackageRefString(t *testing.T) {
	ref := PackageRef{Name: "hl7.fhir.r4.core", Version: "4.0.1"}
	expected := "hl7.fhir.r4.core#4.0.1"
	if ref.String() != expected {
		t.Errorf("PackageRef.String() = %q, want %q", ref.String(), expected)
	}
}

func TestParsePackageSpec(t *testing.T) {
	tests := []struct {
		spec        string
		wantName    string
		wantVersion string
	}{
		{"hl7.fhir.r4.core#4.0.1", "hl7.fhir.r4.core", "4.0.1"},
		{"hl7.terminology.r4#7.0.1", "hl7.terminology.r4", "7.0.1"},
		{"package-without-version", "package-without-version", ""},
	}

	for _, tt := range tests {
		name, version := ParsePackageSpec(tt.spec)
		if name != tt.wantName || version != tt.wantVersion {
			t.Errorf("ParsePackageSpec(%q) = (%q, %q), want (%q, %q)",
				tt.spec, name, version, tt.wantName, tt.wantVersion)
		}
	}
}

func TestDefaultPackagesHaveCore(t *testing.T) {
	for v, refs := range DefaultPackages {
		hasCore := false
		for _, ref := range refs {
			if ref.Name == "hl7.fhir.r4.core" || ref.Name == "hl7.fhir.r4b.core" {
				hasCore = true
			}
		}
		if !hasCore {
			t.Errorf("DefaultPackages[%s] missing core package", v)
		}
	}
}

func TestLoadVersionUnknown(t *testing.T) {
	l := NewLoader(t.TempDir())
	if _, err := l.LoadVersion("9.9.9"); err == nil {
		t.Error("expected error for unknown FHIR version")
	}
}

func TestLoadPackageMissing(t *testing.T) {
	l := NewLoader(t.TempDir())
	if _, err := l.LoadPackage("nope", "1.0.0"); err == nil {
		t.Error("expected error for missing package")
	}
}

const sdV1 = `{"resourceType":"StructureDefinition","id":"p1","url":"http://example.org/sd/P","version":"0.1.0"}`
const sdV2 = `{"resourceType":"StructureDefinition","id":"p2","url":"http://example.org/sd/P","version":"0.2.0"}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromDirectoryKeepsAllVersionsInNameOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.json", sdV2)
	writeFile(t, dir, "a.json", sdV1)
	writeFile(t, dir, "package.json", `{"name":"x","version":"1"}`)
	writeFile(t, dir, "notes.txt", "ignored")

	pkg, err := NewLoader("").LoadFromDirectory(dir)
	if err != nil {
		t.Fatalf("LoadFromDirectory: %v", err)
	}
	if len(pkg.Resources) != 2 {
		t.Fatalf("got %d resources, want 2", len(pkg.Resources))
	}
	if pkg.Resources[0].Version != "0.1.0" || pkg.Resources[1].Version != "0.2.0" {
		t.Errorf("unexpected order: %q, %q", pkg.Resources[0].Version, pkg.Resources[1].Version)
	}
	if got := len(pkg.OfType("StructureDefinition")); got != 2 {
		t.Errorf("OfType = %d, want 2", got)
	}
}

func TestLoadFromFilesExpandsBundles(t *testing.T) {
	dir := t.TempDir()
	bundle := `{"resourceType":"Bundle","entry":[{"resource":` + sdV1 + `},{"resource":` + sdV2 + `},{}]}`
	path := writeFile(t, dir, "bundle.json", bundle)

	pkg, err := NewLoader("").LoadFromFiles(path)
	if err != nil {
		t.Fatalf("LoadFromFiles: %v", err)
	}
	if len(pkg.Resources) != 2 {
		t.Fatalf("got %d resources, want 2", len(pkg.Resources))
	}
}

func TestLoaderOnMemoryFilesystem(t *testing.T) {
	fs := memfs.New()
	for name, content := range map[string]string{
		"/profiles/b.json":       sdV2,
		"/profiles/a.json":       sdV1,
		"/cache/pkg.a#1.0.0/x":   "",
		"/cache/not-a-package/x": "",
		"/profiles/package.json": `{"name":"x","version":"1"}`,
	} {
		if err := util.WriteFile(fs, name, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	l := NewLoaderFS(fs, "/cache")

	pkg, err := l.LoadFromDirectory("/profiles")
	if err != nil {
		t.Fatalf("LoadFromDirectory: %v", err)
	}
	if len(pkg.Resources) != 2 || pkg.Resources[0].ID != "p1" || pkg.Resources[1].ID != "p2" {
		t.Errorf("unexpected resources: %+v", pkg.Resources)
	}

	if _, err := l.LoadFromFiles("/profiles/missing.json"); err == nil {
		t.Error("expected error for missing file")
	}

	packages, err := l.ListPackages()
	if err != nil {
		t.Fatalf("ListPackages: %v", err)
	}
	if len(packages) != 1 || packages[0] != "pkg.a#1.0.0" {
		t.Errorf("ListPackages = %v", packages)
	}

	if err := util.WriteFile(fs, "/pkg.tgz", testTgz(t), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.LoadFromTgz("/pkg.tgz"); err != nil {
		t.Errorf("LoadFromTgz: %v", err)
	}
}

func TestLoadFromFilesErrors(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.json", "{not json")
	noType := writeFile(t, dir, "notype.json", `{"id":"x"}`)

	l := NewLoader("")
	if _, err := l.LoadFromFiles(bad); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := l.LoadFromFiles(noType); err == nil {
		t.Error("expected error for missing resourceType")
	}
	if _, err := l.LoadFromFiles(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := l.LoadFromFiles(); !errors.Is(err, ErrNoResources) {
		t.Errorf("expected ErrNoResources, got %v", err)
	}
}

func TestLoadFromResources(t *testing.T) {
	pkg, err := NewLoader("").LoadFromResources([][]byte{[]byte(sdV2), []byte(sdV1)})
	if err != nil {
		t.Fatalf("LoadFromResources: %v", err)
	}
	if pkg.Resources[0].ID != "p2" || pkg.Resources[1].ID != "p1" {
		t.Errorf("order not preserved: %q, %q", pkg.Resources[0].ID, pkg.Resources[1].ID)
	}
}

func buildTgz(t *testing.T, files map[string]string, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range order {
		content := files[name]
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testTgz(t *testing.T) []byte {
	files := map[string]string{
		"package/package.json":   `{"name":"example.ig","version":"1.0.0","fhirVersion":"4.0.1"}`,
		"package/z.json":         sdV2,
		"package/a.json":         sdV1,
		"package/.index.json":    `{}`,
		"package/example/x.json": sdV1,
	}
	return buildTgz(t, files, []string{"package/package.json", "package/z.json", "package/a.json", "package/.index.json", "package/example/x.json"})
}

func TestLoadFromTgzData(t *testing.T) {
	pkg, err := NewLoader("").LoadFromTgzData(testTgz(t))
	if err != nil {
		t.Fatalf("LoadFromTgzData: %v", err)
	}
	if pkg.Name != "example.ig" || pkg.FHIRVersion != "4.0.1" {
		t.Errorf("unexpected manifest: %+v", pkg)
	}
	if len(pkg.Resources) != 2 {
		t.Fatalf("got %d resources, want 2", len(pkg.Resources))
	}
	if pkg.Resources[0].ID != "p1" {
		t.Errorf("entries not sorted by name, first = %q", pkg.Resources[0].ID)
	}
}

func TestLoadFromTgzFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkg.tgz")
	if err := os.WriteFile(path, testTgz(t), 0o644); err != nil {
		t.Fatal(err)
	}
	pkg, err := NewLoader("").LoadFromTgz(path)
	if err != nil {
		t.Fatalf("LoadFromTgz: %v", err)
	}
	if len(pkg.Resources) != 2 {
		t.Errorf("got %d resources, want 2", len(pkg.Resources))
	}
}

func TestLoadFromTgzWithoutManifest(t *testing.T) {
	data := buildTgz(t, map[string]string{"package/a.json": sdV1}, []string{"package/a.json"})
	if _, err := NewLoader("").LoadFromTgzData(data); err == nil {
		t.Error("expected error for package without package.json")
	}
}

func TestLoadFromURL(t *testing.T) {
	data := testTgz(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pkg.tgz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	l := NewLoader("")
	pkg, err := l.LoadFromURL(context.Background(), srv.URL+"/pkg.tgz")
	if err != nil {
		t.Fatalf("LoadFromURL: %v", err)
	}
	if len(pkg.Resources) != 2 {
		t.Errorf("got %d resources, want 2", len(pkg.Resources))
	}

	if _, err := l.LoadFromURL(context.Background(), srv.URL+"/missing.tgz"); err == nil {
		t.Error("expected error for HTTP 404")
	}
}

func TestLoadPackageFromCache(t *testing.T) {
	base := t.TempDir()
	pkgDir := filepath.Join(base, "example.ig#1.0.0", "package")
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, pkgDir, "package.json", `{"name":"example.ig","version":"1.0.0","fhirVersion":"4.0.1"}`)
	writeFile(t, pkgDir, "StructureDefinition-p.json", sdV1)

	l := NewLoader(base)
	pkg, err := l.LoadPackage("example.ig", "1.0.0")
	if err != nil {
		t.Fatalf("LoadPackage: %v", err)
	}
	if pkg.Name != "example.ig" || pkg.Version != "1.0.0" || len(pkg.Resources) != 1 {
		t.Errorf("unexpected package: %+v", pkg)
	}

	list, err := l.ListPackages()
	if err != nil || len(list) != 1 || list[0] != "example.ig#1.0.0" {
		t.Errorf("ListPackages = %v, %v", list, err)
	}
}
