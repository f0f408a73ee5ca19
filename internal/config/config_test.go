package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeTempFile creates a temporary file with the given content and
// extension and returns its path. Cleanup is handled by t.TempDir.
func writeTempFile(t *testing.T, content string, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config"+ext)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	return path
}

// checkErrorContains checks if the error is not nil and its message contains the expected substring.
func checkErrorContains(t *testing.T, err error, expectedSubstring string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected an error containing %q, but got nil", expectedSubstring)
	}
	if !strings.Contains(err.Error(), expectedSubstring) {
		t.Fatalf("Expected error message to contain %q, but got: %v", expectedSubstring, err)
	}
}

// finalized builds a Config rooted at a fresh temp dir and finalizes it.
func finalized(t *testing.T, mutate func(*Config)) *Config {
	t.Helper()
	cfg := &Config{}
	cfg.Static.Root = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	return cfg
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("non_existent_file.json")
	checkErrorContains(t, err, "failed to read config file")
}

func TestLoad_ValidJSON(t *testing.T) {
	content := `{"server": {"host": "127.0.0.1", "port": 8080}}`
	path := writeTempFile(t, content, ".json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed for valid JSON: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8080 {
		t.Errorf("Expected host 127.0.0.1:8080, got %q:%d", cfg.Server.Host, cfg.Server.Port)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	content := `
[server]
port = 8081

[static]
root = "/srv/www"
index_files = ["index.html", "default.html"]
`
	path := writeTempFile(t, content, ".toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed for valid TOML: %v", err)
	}
	if cfg.Server.Port != 8081 {
		t.Errorf("Expected port 8081, got %d", cfg.Server.Port)
	}
	if cfg.Static.Root != "/srv/www" {
		t.Errorf("Expected root /srv/www, got %q", cfg.Static.Root)
	}
	if len(cfg.Static.IndexFiles) != 2 || cfg.Static.IndexFiles[1] != "default.html" {
		t.Errorf("Unexpected index files: %v", cfg.Static.IndexFiles)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	content := `
server:
  port: 8082
compress:
  enabled: true
  min_size: 2KiB
`
	path := writeTempFile(t, content, ".yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed for valid YAML: %v", err)
	}
	if cfg.Server.Port != 8082 {
		t.Errorf("Expected port 8082, got %d", cfg.Server.Port)
	}
	if cfg.Compress.Enabled == nil || !*cfg.Compress.Enabled {
		t.Error("Expected compression enabled")
	}
	if cfg.Compress.MinSize != "2KiB" {
		t.Errorf("Expected min_size 2KiB, got %q", cfg.Compress.MinSize)
	}
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	cases := []struct {
		name    string
		content string
		ext     string
	}{
		{"json", `{"server": {"listen_addr": ":80"}}`, ".json"},
		{"toml", "[server]\nlisten_addr = \":80\"\n", ".toml"},
		{"yaml", "server:\n  listen_addr: \":80\"\n", ".yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempFile(t, tc.content, tc.ext)
			if _, err := Load(path); err == nil {
				t.Fatal("Expected unknown-key error, got nil")
			}
		})
	}
}

func TestLoad_SniffWithoutExtension(t *testing.T) {
	jsonPath := writeTempFile(t, `{"server": {"port": 9001}}`, "")
	cfg, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load failed to sniff JSON: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("Expected port 9001, got %d", cfg.Server.Port)
	}

	tomlPath := writeTempFile(t, "[server]\nport = 9002\n", ".conf")
	cfg, err = Load(tomlPath)
	if err != nil {
		t.Fatalf("Load failed to sniff TOML: %v", err)
	}
	if cfg.Server.Port != 9002 {
		t.Errorf("Expected port 9002, got %d", cfg.Server.Port)
	}
}

func TestFinalize_Defaults(t *testing.T) {
	cfg := finalized(t, nil)

	if cfg.Server.Host != DefaultHost {
		t.Errorf("Expected default host %q, got %q", DefaultHost, cfg.Server.Host)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("Expected default port %d, got %d", DefaultPort, cfg.Server.Port)
	}
	if !filepath.IsAbs(cfg.Static.Root) {
		t.Errorf("Expected absolute root, got %q", cfg.Static.Root)
	}
	if len(cfg.Static.IndexFiles) != 1 || cfg.Static.IndexFiles[0] != "index.html" {
		t.Errorf("Expected default index files [index.html], got %v", cfg.Static.IndexFiles)
	}
	if cfg.Static.ChunkBytes != 64<<10 {
		t.Errorf("Expected default chunk of 64KiB, got %d", cfg.Static.ChunkBytes)
	}
	if !cfg.ListingEnabled() || !cfg.AutoIndexEnabled() {
		t.Error("Expected listing and auto-index enabled by default")
	}
	if cfg.CompressionEnabled() || cfg.CORSEnabled() || cfg.MetricsEnabled() {
		t.Error("Expected compression, CORS and metrics disabled by default")
	}
	if cfg.Compress.MinBytes != 1<<10 || cfg.Compress.MaxBytes != 32<<20 {
		t.Errorf("Unexpected compression thresholds: %d, %d", cfg.Compress.MinBytes, cfg.Compress.MaxBytes)
	}
	if cfg.Cache.MaxAge != nil {
		t.Error("Expected derived cache max-age by default")
	}
	if !cfg.AccessLogEnabled() {
		t.Error("Expected access log enabled by default")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Unexpected logging defaults: %q %q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestFinalize_RootMissing(t *testing.T) {
	cfg := &Config{}
	cfg.Static.Root = filepath.Join(t.TempDir(), "does-not-exist")
	err := cfg.Finalize()
	checkErrorContains(t, err, "static.root")
}

func TestFinalize_RootNotDirectory(t *testing.T) {
	file := writeTempFile(t, "data", ".txt")
	cfg := &Config{}
	cfg.Static.Root = file
	err := cfg.Finalize()
	checkErrorContains(t, err, "is not a directory")
}

func TestFinalize_PortOutOfRange(t *testing.T) {
	cfg := &Config{}
	cfg.Static.Root = t.TempDir()
	cfg.Server.Port = 70000
	err := cfg.Finalize()
	checkErrorContains(t, err, "out of range")
}

func TestFinalize_WorkersBounds(t *testing.T) {
	cfg := &Config{}
	cfg.Static.Root = t.TempDir()
	cfg.Server.Workers = -1
	checkErrorContains(t, cfg.Finalize(), "server.workers")

	cfg = &Config{}
	cfg.Static.Root = t.TempDir()
	cfg.Server.Workers = MaxWorkers + 1
	checkErrorContains(t, cfg.Finalize(), "exceeds the maximum")
}

func TestFinalize_CompressSizes(t *testing.T) {
	cfg := &Config{}
	cfg.Static.Root = t.TempDir()
	cfg.Compress.MinSize = "4MiB"
	cfg.Compress.MaxSize = "1MiB"
	checkErrorContains(t, cfg.Finalize(), "exceeds compress.max_size")

	cfg2 := finalized(t, func(c *Config) {
		c.Compress.MinSize = "2KiB"
		c.Compress.MaxSize = "8MiB"
	})
	if cfg2.Compress.MinBytes != 2<<10 || cfg2.Compress.MaxBytes != 8<<20 {
		t.Errorf("Unexpected resolved sizes: %d, %d", cfg2.Compress.MinBytes, cfg2.Compress.MaxBytes)
	}
}

func TestFinalize_ChunkSizeBounds(t *testing.T) {
	cfg := &Config{}
	cfg.Static.Root = t.TempDir()
	cfg.Static.ChunkSize = "1KiB"
	checkErrorContains(t, cfg.Finalize(), "chunk_size")
}

func TestFinalize_ProxyUpstream(t *testing.T) {
	cfg := finalized(t, func(c *Config) {
		c.Proxy.Upstream = "http://origin.internal:9000/base"
	})
	if !cfg.ProxyEnabled() {
		t.Fatal("Expected proxy enabled")
	}
	if cfg.Proxy.UpstreamURL.Host != "origin.internal:9000" {
		t.Errorf("Unexpected upstream host %q", cfg.Proxy.UpstreamURL.Host)
	}

	for _, bad := range []string{"ftp://origin", "http://", "http://[::1"} {
		cfg := &Config{}
		cfg.Static.Root = t.TempDir()
		cfg.Proxy.Upstream = bad
		if err := cfg.Finalize(); err == nil {
			t.Errorf("Expected error for upstream %q", bad)
		}
	}
}

func TestFinalize_AuthPairing(t *testing.T) {
	cfg := &Config{}
	cfg.Static.Root = t.TempDir()
	cfg.Auth.Username = "admin"
	checkErrorContains(t, cfg.Finalize(), "must be set together")

	cfg2 := finalized(t, func(c *Config) {
		c.Auth.Username = "admin"
		c.Auth.Password = "hunter2"
	})
	if !cfg2.AuthEnabled() {
		t.Error("Expected auth enabled")
	}
}

func TestFinalize_IndexFileNames(t *testing.T) {
	cfg := &Config{}
	cfg.Static.Root = t.TempDir()
	cfg.Static.IndexFiles = []string{"sub/index.html"}
	checkErrorContains(t, cfg.Finalize(), "bare file name")
}

func TestFinalize_MimeTypes(t *testing.T) {
	cfg := &Config{}
	cfg.Static.Root = t.TempDir()
	cfg.Static.MimeTypes = map[string]string{"md": "text/markdown"}
	checkErrorContains(t, cfg.Finalize(), "must start with '.'")

	cfg = &Config{}
	cfg.Static.Root = t.TempDir()
	cfg.Static.MimeTypes = map[string]string{".md": ""}
	checkErrorContains(t, cfg.Finalize(), "must not be empty")
}

func TestFinalize_CacheMaxAgeNegative(t *testing.T) {
	cfg := &Config{}
	cfg.Static.Root = t.TempDir()
	cfg.Cache.MaxAge = intPtr(-30)
	checkErrorContains(t, cfg.Finalize(), "cache.max_age")
}

func TestFromFlags_PositionalRoot(t *testing.T) {
	root := t.TempDir()
	cfg, err := FromFlags([]string{"-p", "9090", root}, os.Stderr)
	if err != nil {
		t.Fatalf("FromFlags failed: %v", err)
	}
	// Finalize stores the root in symlink-free form.
	want, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatalf("EvalSymlinks failed: %v", err)
	}
	if cfg.Static.Root != want {
		t.Errorf("Expected root %q, got %q", want, cfg.Static.Root)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
}

func TestFromFlags_FlagsOverrideFile(t *testing.T) {
	root := t.TempDir()
	content := `
[server]
port = 8000

[static]
root = "` + root + `"
directory_listing = true

[compress]
enabled = true
`
	path := writeTempFile(t, content, ".toml")

	cfg, err := FromFlags([]string{"-config", path, "-p", "8001", "-d=false"}, os.Stderr)
	if err != nil {
		t.Fatalf("FromFlags failed: %v", err)
	}
	if cfg.Server.Port != 8001 {
		t.Errorf("Expected flag port 8001 to win, got %d", cfg.Server.Port)
	}
	if cfg.ListingEnabled() {
		t.Error("Expected -d=false to override the file")
	}
	if !cfg.CompressionEnabled() {
		t.Error("Expected file compress.enabled to survive")
	}
}

func TestFromFlags_CacheFlag(t *testing.T) {
	root := t.TempDir()
	cfg, err := FromFlags([]string{"-c", "600", root}, os.Stderr)
	if err != nil {
		t.Fatalf("FromFlags failed: %v", err)
	}
	if cfg.Cache.MaxAge == nil || *cfg.Cache.MaxAge != 600 {
		t.Errorf("Expected max-age override 600, got %v", cfg.Cache.MaxAge)
	}

	cfg, err = FromFlags([]string{"-c", "-1", root}, os.Stderr)
	if err != nil {
		t.Fatalf("FromFlags failed: %v", err)
	}
	if cfg.Cache.MaxAge != nil {
		t.Errorf("Expected derived max-age for -c -1, got %v", *cfg.Cache.MaxAge)
	}
}

func TestFromFlags_AuthAndProxy(t *testing.T) {
	root := t.TempDir()
	cfg, err := FromFlags([]string{
		"-username", "admin", "-password", "secret",
		"-P", "http://fallback.internal:8080",
		"-workers", "4",
		root,
	}, os.Stderr)
	if err != nil {
		t.Fatalf("FromFlags failed: %v", err)
	}
	if !cfg.AuthEnabled() || cfg.Auth.Password != "secret" {
		t.Error("Expected auth from flags")
	}
	if !cfg.ProxyEnabled() {
		t.Error("Expected proxy from flags")
	}
	if cfg.Server.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", cfg.Server.Workers)
	}
}

func TestFromFlags_UnexpectedArgs(t *testing.T) {
	_, err := FromFlags([]string{t.TempDir(), "extra"}, os.Stderr)
	checkErrorContains(t, err, "unexpected arguments")
}

func TestAddrAndScheme(t *testing.T) {
	cfg := finalized(t, func(c *Config) {
		c.Server.Host = "127.0.0.1"
		c.Server.Port = 8443
	})
	if cfg.Addr() != "127.0.0.1:8443" {
		t.Errorf("Unexpected Addr %q", cfg.Addr())
	}
	if cfg.Scheme() != "http" {
		t.Errorf("Expected http scheme, got %q", cfg.Scheme())
	}
}

func TestQuietDisablesAccessLog(t *testing.T) {
	cfg := finalized(t, func(c *Config) {
		c.Logging.Quiet = boolPtr(true)
	})
	if cfg.AccessLogEnabled() {
		t.Error("Expected quiet mode to disable the access log")
	}
}
