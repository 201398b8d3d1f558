// Package manifest reads the declaration of the worker services a package
// provides, and answers how many worker slots exist.
//
// A manifest lists, per package, how many sandboxed and privileged services
// are declared and the class-name prefix they share:
//
//	packages:
//	  - package: org.agentos.workers
//	    class_prefix: SandboxedService
//	    sandboxed_services: 20
//	    privileged_services: 3
//
// The same shape is accepted as TOML ([[packages]] tables).
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// UnboundedServices is reported when no manifest declares the package.
// Callers sizing worker pools are then not limited by missing configuration.
const UnboundedServices = 65535

const (
	DefaultSandboxedPrefix  = "SandboxedService"
	DefaultPrivilegedPrefix = "PrivilegedService"
)

var (
	// ErrUnsupportedFormat is returned for files that are neither YAML nor TOML
	ErrUnsupportedFormat = errors.New("unsupported manifest format")
	// ErrNoManifest is returned when a glob matches nothing
	ErrNoManifest = errors.New("no manifest found")
)

// PackageServices declares the worker services of one package
type PackageServices struct {
	Package            string `yaml:"package" toml:"package" json:"package"`
	ClassPrefix        string `yaml:"class_prefix" toml:"class_prefix" json:"class_prefix,omitempty"`
	PrivilegedPrefix   string `yaml:"privileged_prefix" toml:"privileged_prefix" json:"privileged_prefix,omitempty"`
	SandboxedServices  int    `yaml:"sandboxed_services" toml:"sandboxed_services" json:"sandboxed_services"`
	PrivilegedServices int    `yaml:"privileged_services" toml:"privileged_services" json:"privileged_services"`
}

// Prefix returns the class-name prefix for the sandboxed or privileged
// services
func (p PackageServices) Prefix(sandboxed bool) string {
	if sandboxed {
		if p.ClassPrefix != "" {
			return p.ClassPrefix
		}
		return DefaultSandboxedPrefix
	}
	if p.PrivilegedPrefix != "" {
		return p.PrivilegedPrefix
	}
	return DefaultPrivilegedPrefix
}

// Manifest is the merged declaration of every known package
type Manifest struct {
	Packages []PackageServices `yaml:"packages" toml:"packages" json:"packages"`
}

// Load reads one manifest file, choosing the decoder by extension
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// LoadGlob loads and merges every manifest matching pattern, in path order.
// A package declared twice keeps its last declaration.
func LoadGlob(pattern string) (*Manifest, error) {
	paths, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoManifest, pattern)
	}
	sort.Strings(paths)

	merged := &Manifest{}
	for _, path := range paths {
		m, err := Load(path)
		if err != nil {
			return nil, err
		}
		merged.Merge(m)
	}
	return merged, nil
}

// Merge adds other's packages, replacing same-named entries
func (m *Manifest) Merge(other *Manifest) {
	for _, p := range other.Packages {
		if i := m.index(p.Package); i >= 0 {
			m.Packages[i] = p
			continue
		}
		m.Packages = append(m.Packages, p)
	}
}

// Validate checks for missing names and negative counts
func (m *Manifest) Validate() error {
	for i, p := range m.Packages {
		if p.Package == "" {
			return fmt.Errorf("packages[%d]: missing package name", i)
		}
		if p.SandboxedServices < 0 || p.PrivilegedServices < 0 {
			return fmt.Errorf("package %s: service counts must not be negative", p.Package)
		}
	}
	return nil
}

// Lookup returns the declaration for pkg
func (m *Manifest) Lookup(pkg string) (PackageServices, bool) {
	if m == nil {
		return PackageServices{}, false
	}
	if i := m.index(pkg); i >= 0 {
		return m.Packages[i], true
	}
	return PackageServices{}, false
}

// NumServices returns how many sandboxed or privileged services pkg
// declares, or UnboundedServices when there is no declaration for it.
// Safe on a nil manifest.
func (m *Manifest) NumServices(pkg string, sandboxed bool) int {
	p, ok := m.Lookup(pkg)
	if !ok {
		return UnboundedServices
	}
	if sandboxed {
		return p.SandboxedServices
	}
	return p.PrivilegedServices
}

func (m *Manifest) index(pkg string) int {
	for i, p := range m.Packages {
		if p.Package == pkg {
			return i
		}
	}
	return -1
}
