package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlManifest = `
packages:
  - package: org.agentos.workers
    class_prefix: SandboxedService
    sandboxed_services: 20
    privileged_services: 3
`

const tomlManifest = `
[[packages]]
package = "org.agentos.gpu"
privileged_prefix = "GpuService"
sandboxed_services = 0
privileged_services = 1
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "workers.yaml", yamlManifest)

	m, err := Load(path)
	require.NoError(t, err)
	require.Len(t, m.Packages, 1)

	p := m.Packages[0]
	assert.Equal(t, "org.agentos.workers", p.Package)
	assert.Equal(t, 20, p.SandboxedServices)
	assert.Equal(t, 3, p.PrivilegedServices)
	assert.Equal(t, "SandboxedService", p.Prefix(true))
	assert.Equal(t, DefaultPrivilegedPrefix, p.Prefix(false))
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "gpu.toml", tomlManifest)

	m, err := Load(path)
	require.NoError(t, err)

	p, ok := m.Lookup("org.agentos.gpu")
	require.True(t, ok)
	assert.Equal(t, 1, p.PrivilegedServices)
	assert.Equal(t, "GpuService", p.Prefix(false))
	assert.Equal(t, DefaultSandboxedPrefix, p.Prefix(true))
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		file string
		body string
	}{
		{"unknown extension", "workers.json", `{}`},
		{"bad yaml", "bad.yaml", "packages: [\n"},
		{"missing package name", "anon.yml", "packages:\n  - sandboxed_services: 2\n"},
		{"negative count", "neg.toml", "[[packages]]\npackage = \"p\"\nsandboxed_services = -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, dir, tt.file, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, dir, "x.ini", ""))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoadGlobMerges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a/workers.yaml", yamlManifest)
	writeFile(t, dir, "b/nested/gpu.toml", tomlManifest)
	writeFile(t, dir, "c/override.yaml", `
packages:
  - package: org.agentos.workers
    sandboxed_services: 4
`)

	m, err := LoadGlob(filepath.Join(dir, "**", "*.{yaml,toml}"))
	require.NoError(t, err)
	require.Len(t, m.Packages, 2)

	assert.Equal(t, 4, m.NumServices("org.agentos.workers", true), "later files override earlier ones")
	assert.Equal(t, 1, m.NumServices("org.agentos.gpu", false))
}

func TestLoadGlobNoMatch(t *testing.T) {
	_, err := LoadGlob(filepath.Join(t.TempDir(), "*.yaml"))
	assert.ErrorIs(t, err, ErrNoManifest)
}

func TestNumServices(t *testing.T) {
	m := &Manifest{Packages: []PackageServices{
		{Package: "org.agentos.workers", SandboxedServices: 20, PrivilegedServices: 3},
	}}

	assert.Equal(t, 20, m.NumServices("org.agentos.workers", true))
	assert.Equal(t, 3, m.NumServices("org.agentos.workers", false))
	assert.Equal(t, UnboundedServices, m.NumServices("org.unknown", true))

	var none *Manifest
	assert.Equal(t, UnboundedServices, none.NumServices("org.agentos.workers", true))
}
