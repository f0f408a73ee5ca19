package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration. It is assembled once at
// startup (defaults, then an optional config file, then flags), finalized,
// and treated as immutable afterwards: every component receives it by
// pointer and none may mutate it.
type Config struct {
	Server   ServerConfig   `json:"server" toml:"server" yaml:"server"`
	Static   StaticConfig   `json:"static" toml:"static" yaml:"static"`
	Cache    CacheConfig    `json:"cache" toml:"cache" yaml:"cache"`
	Compress CompressConfig `json:"compress" toml:"compress" yaml:"compress"`
	Proxy    ProxyConfig    `json:"proxy" toml:"proxy" yaml:"proxy"`
	Auth     AuthConfig     `json:"auth" toml:"auth" yaml:"auth"`
	Logging  LoggingConfig  `json:"logging" toml:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `json:"metrics" toml:"metrics" yaml:"metrics"`
}

// ServerConfig holds the listener and process-model settings.
type ServerConfig struct {
	Host           string     `json:"host" toml:"host" yaml:"host"`
	Port           int        `json:"port" toml:"port" yaml:"port"`
	Workers        int        `json:"workers" toml:"workers" yaml:"workers"`
	MaxConnections int        `json:"max_connections" toml:"max_connections" yaml:"max_connections"`
	CORS           *bool      `json:"cors" toml:"cors" yaml:"cors"`
	TLS            *TLSConfig `json:"tls" toml:"tls" yaml:"tls"`

	// Zero values fall back to the package defaults.
	ReadHeaderTimeoutSeconds int `json:"read_header_timeout_seconds" toml:"read_header_timeout_seconds" yaml:"read_header_timeout_seconds"`
	ReadTimeoutSeconds       int `json:"read_timeout_seconds" toml:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	IdleTimeoutSeconds       int `json:"idle_timeout_seconds" toml:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
	ShutdownTimeoutSeconds   int `json:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// TLSConfig names the certificate pair. Its presence enables TLS.
type TLSConfig struct {
	CertFile string `json:"cert_file" toml:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" toml:"key_file" yaml:"key_file"`
}

// StaticConfig configures the file-serving pipeline.
type StaticConfig struct {
	Root             string            `json:"root" toml:"root" yaml:"root"`
	IndexFiles       []string          `json:"index_files" toml:"index_files" yaml:"index_files"`
	AutoIndex        *bool             `json:"auto_index" toml:"auto_index" yaml:"auto_index"`
	DirectoryListing *bool             `json:"directory_listing" toml:"directory_listing" yaml:"directory_listing"`
	ChunkSize        string            `json:"chunk_size" toml:"chunk_size" yaml:"chunk_size"`
	MimeTypes        map[string]string `json:"mime_types" toml:"mime_types" yaml:"mime_types"`

	// ChunkBytes is ChunkSize resolved by Finalize.
	ChunkBytes int64 `json:"-" toml:"-" yaml:"-"`
}

// CacheConfig controls the Cache-Control header on file responses.
type CacheConfig struct {
	// MaxAge overrides the derived max-age in seconds. Nil derives it from
	// the content type: 0 for textual types, 3600 for everything else.
	MaxAge *int `json:"max_age" toml:"max_age" yaml:"max_age"`
}

// CompressConfig controls on-the-fly response compression.
type CompressConfig struct {
	Enabled *bool  `json:"enabled" toml:"enabled" yaml:"enabled"`
	MinSize string `json:"min_size" toml:"min_size" yaml:"min_size"`
	MaxSize string `json:"max_size" toml:"max_size" yaml:"max_size"`

	// Resolved by Finalize.
	MinBytes int64 `json:"-" toml:"-" yaml:"-"`
	MaxBytes int64 `json:"-" toml:"-" yaml:"-"`
}

// ProxyConfig configures the not-found fallback proxy.
type ProxyConfig struct {
	// Upstream is the base URL requests are relayed to when no local file
	// matches. Empty disables the fallback.
	Upstream string `json:"upstream" toml:"upstream" yaml:"upstream"`

	// UpstreamURL is Upstream parsed by Finalize.
	UpstreamURL *url.URL `json:"-" toml:"-" yaml:"-"`
}

// AuthConfig enables HTTP basic authentication when both fields are set.
type AuthConfig struct {
	Username string `json:"username" toml:"username" yaml:"username"`
	Password string `json:"password" toml:"password" yaml:"password"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	Level     string           `json:"level" toml:"level" yaml:"level"`
	Format    string           `json:"format" toml:"format" yaml:"format"`
	Quiet     *bool            `json:"quiet" toml:"quiet" yaml:"quiet"`
	AccessLog *AccessLogConfig `json:"access_log" toml:"access_log" yaml:"access_log"`
	ErrorLog  *ErrorLogConfig  `json:"error_log" toml:"error_log" yaml:"error_log"`
}

// AccessLogConfig configures the per-request log stream.
type AccessLogConfig struct {
	Enabled *bool  `json:"enabled" toml:"enabled" yaml:"enabled"`
	Target  string `json:"target" toml:"target" yaml:"target"`
}

// ErrorLogConfig configures the diagnostic log stream.
type ErrorLogConfig struct {
	Target string `json:"target" toml:"target" yaml:"target"`
}

// MetricsConfig exposes Prometheus metrics on /_metrics when enabled.
type MetricsConfig struct {
	Enabled *bool `json:"enabled" toml:"enabled" yaml:"enabled"`
}

// Defaults applied by Finalize.
const (
	DefaultHost      = "0.0.0.0"
	DefaultPort      = 8080
	DefaultChunkSize = "64KiB"
	DefaultMinSize   = "1KiB"
	DefaultMaxSize   = "32MiB"

	DefaultReadHeaderTimeoutSeconds = 10
	DefaultReadTimeoutSeconds       = 30
	DefaultIdleTimeoutSeconds       = 5
	DefaultShutdownTimeoutSeconds   = 10

	// MaxWorkers bounds server.workers against configuration typos.
	MaxWorkers = 512

	minChunkBytes = 4 << 10
	maxChunkBytes = 8 << 20
)

// ConfigError describes a failure to read or parse a configuration file.
type ConfigError struct {
	FilePath string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: %s: %v", e.FilePath, e.Message, e.Err)
	}
	return fmt.Sprintf("config %s: %s", e.FilePath, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Load reads a configuration file. The format is chosen by extension
// (.toml, .json, .yaml/.yml); with any other extension the content is
// sniffed: JSON if it opens with '{', then TOML, then YAML. Unknown keys
// are rejected in every format. Load does not finalize the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{FilePath: path, Message: "failed to read config file", Err: err}
	}
	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = decodeTOML(data, cfg)
	case ".json":
		err = decodeJSON(data, cfg)
	case ".yaml", ".yml":
		err = decodeYAML(data, cfg)
	default:
		err = sniffDecode(data, cfg)
	}
	if err != nil {
		return nil, &ConfigError{FilePath: path, Message: "failed to parse config file", Err: err}
	}
	return cfg, nil
}

func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func decodeTOML(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func sniffDecode(data []byte, cfg *Config) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return decodeJSON(data, cfg)
	}
	if err := decodeTOML(data, cfg); err == nil {
		return nil
	}
	return decodeYAML(data, cfg)
}

// Finalize applies defaults, canonicalizes the document root, and resolves
// derived fields (parsed sizes and URLs). It must be called exactly once,
// before the Config is handed to any component.
func (c *Config) Finalize() error {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range 1-65535", c.Server.Port)
	}
	if c.Server.Workers < 0 {
		return fmt.Errorf("server.workers must not be negative, got %d", c.Server.Workers)
	}
	if c.Server.Workers > MaxWorkers {
		return fmt.Errorf("server.workers %d exceeds the maximum of %d", c.Server.Workers, MaxWorkers)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative, got %d", c.Server.MaxConnections)
	}
	if c.Server.CORS == nil {
		c.Server.CORS = boolPtr(false)
	}
	if c.Server.ReadHeaderTimeoutSeconds == 0 {
		c.Server.ReadHeaderTimeoutSeconds = DefaultReadHeaderTimeoutSeconds
	}
	if c.Server.ReadTimeoutSeconds == 0 {
		c.Server.ReadTimeoutSeconds = DefaultReadTimeoutSeconds
	}
	if c.Server.IdleTimeoutSeconds == 0 {
		c.Server.IdleTimeoutSeconds = DefaultIdleTimeoutSeconds
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = DefaultShutdownTimeoutSeconds
	}
	if c.Server.TLS != nil {
		if c.Server.TLS.CertFile == "" {
			c.Server.TLS.CertFile = "cert.pem"
		}
		if c.Server.TLS.KeyFile == "" {
			c.Server.TLS.KeyFile = "key.pem"
		}
		for _, f := range []string{c.Server.TLS.CertFile, c.Server.TLS.KeyFile} {
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("server.tls: %w", err)
			}
		}
	}

	if c.Static.Root == "" {
		c.Static.Root = "."
	}
	absRoot, err := filepath.Abs(c.Static.Root)
	if err != nil {
		return fmt.Errorf("static.root %q: %w", c.Static.Root, err)
	}
	// Containment checks compare path strings, so the root must be in
	// its final symlink-free form.
	absRoot, err = filepath.EvalSymlinks(absRoot)
	if err != nil {
		return fmt.Errorf("static.root %q: %w", c.Static.Root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return fmt.Errorf("static.root %q: %w", c.Static.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("static.root %q is not a directory", c.Static.Root)
	}
	c.Static.Root = absRoot

	if len(c.Static.IndexFiles) == 0 {
		c.Static.IndexFiles = []string{"index.html"}
	}
	for i, name := range c.Static.IndexFiles {
		if name == "" || strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("static.index_files[%d] %q must be a bare file name", i, name)
		}
	}
	if c.Static.AutoIndex == nil {
		c.Static.AutoIndex = boolPtr(true)
	}
	if c.Static.DirectoryListing == nil {
		c.Static.DirectoryListing = boolPtr(true)
	}
	if c.Static.ChunkSize == "" {
		c.Static.ChunkSize = DefaultChunkSize
	}
	chunk, err := humanize.ParseBytes(c.Static.ChunkSize)
	if err != nil {
		return fmt.Errorf("static.chunk_size %q: %w", c.Static.ChunkSize, err)
	}
	if chunk < minChunkBytes || chunk > maxChunkBytes {
		return fmt.Errorf("static.chunk_size %q is out of range %s-%s",
			c.Static.ChunkSize, humanize.IBytes(minChunkBytes), humanize.IBytes(maxChunkBytes))
	}
	c.Static.ChunkBytes = int64(chunk)
	for ext, typ := range c.Static.MimeTypes {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("static.mime_types key %q must start with '.'", ext)
		}
		if typ == "" {
			return fmt.Errorf("static.mime_types[%q] must not be empty", ext)
		}
	}

	if c.Cache.MaxAge != nil && *c.Cache.MaxAge < 0 {
		return fmt.Errorf("cache.max_age must not be negative, got %d", *c.Cache.MaxAge)
	}

	if c.Compress.Enabled == nil {
		c.Compress.Enabled = boolPtr(false)
	}
	if c.Compress.MinSize == "" {
		c.Compress.MinSize = DefaultMinSize
	}
	if c.Compress.MaxSize == "" {
		c.Compress.MaxSize = DefaultMaxSize
	}
	minBytes, err := humanize.ParseBytes(c.Compress.MinSize)
	if err != nil {
		return fmt.Errorf("compress.min_size %q: %w", c.Compress.MinSize, err)
	}
	maxBytes, err := humanize.ParseBytes(c.Compress.MaxSize)
	if err != nil {
		return fmt.Errorf("compress.max_size %q: %w", c.Compress.MaxSize, err)
	}
	if minBytes > maxBytes {
		return fmt.Errorf("compress.min_size %s exceeds compress.max_size %s", c.Compress.MinSize, c.Compress.MaxSize)
	}
	c.Compress.MinBytes = int64(minBytes)
	c.Compress.MaxBytes = int64(maxBytes)

	if c.Proxy.Upstream != "" {
		u, err := url.Parse(c.Proxy.Upstream)
		if err != nil {
			return fmt.Errorf("proxy.upstream %q: %w", c.Proxy.Upstream, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("proxy.upstream %q: scheme must be http or https", c.Proxy.Upstream)
		}
		if u.Host == "" {
			return fmt.Errorf("proxy.upstream %q: missing host", c.Proxy.Upstream)
		}
		c.Proxy.UpstreamURL = u
	}

	if (c.Auth.Username == "") != (c.Auth.Password == "") {
		return fmt.Errorf("auth.username and auth.password must be set together")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format %q is not one of json, console", c.Logging.Format)
	}
	if c.Logging.Quiet == nil {
		c.Logging.Quiet = boolPtr(false)
	}
	if c.Logging.AccessLog == nil {
		c.Logging.AccessLog = &AccessLogConfig{}
	}
	if c.Logging.AccessLog.Enabled == nil {
		c.Logging.AccessLog.Enabled = boolPtr(true)
	}
	if c.Logging.AccessLog.Target == "" {
		c.Logging.AccessLog.Target = "stdout"
	}
	if c.Logging.ErrorLog == nil {
		c.Logging.ErrorLog = &ErrorLogConfig{}
	}
	if c.Logging.ErrorLog.Target == "" {
		c.Logging.ErrorLog.Target = "stderr"
	}

	if c.Metrics.Enabled == nil {
		c.Metrics.Enabled = boolPtr(false)
	}
	return nil
}

// FromFlags builds the effective configuration from a command line:
// defaults, overlaid by -config when given, overlaid by explicitly set
// flags, then finalized. The optional positional argument names the
// document root.
func FromFlags(args []string, stderr io.Writer) (*Config, error) {
	fs := flag.NewFlagSet("staticserve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "", "config file (TOML, JSON or YAML)")
		host       = fs.String("a", "", "address to bind")
		port       = fs.Int("p", 0, "port to listen on")
		tlsOn      = fs.Bool("S", false, "serve over TLS")
		certFile   = fs.String("C", "", "TLS certificate file (implies -S)")
		keyFile    = fs.String("K", "", "TLS key file (implies -S)")
		cacheAge   = fs.Int("c", -1, "Cache-Control max-age in seconds; -1 derives it from the content type")
		listing    = fs.Bool("d", true, "serve directory listings")
		autoIndex  = fs.Bool("i", true, "serve index files for directory requests")
		compress   = fs.Bool("g", false, "compress eligible responses (gzip, deflate)")
		cors       = fs.Bool("cors", false, "send permissive CORS headers")
		proxyURL   = fs.String("P", "", "relay requests for missing files to this upstream URL")
		username   = fs.String("username", "", "basic auth username")
		password   = fs.String("password", "", "basic auth password")
		workers    = fs.Int("workers", 0, "worker processes sharing the listener; 0 or 1 serves in-process")
		maxConns   = fs.Int("max-connections", 0, "maximum concurrent connections; 0 is unlimited")
		quiet      = fs.Bool("s", false, "suppress the access log and non-error output")
		metricsOn  = fs.Bool("metrics", false, "expose Prometheus metrics on /_metrics")
		logLevel   = fs.String("log-level", "", "error log level (debug, info, warn, error)")
		logFormat  = fs.String("log-format", "", "error log format (json or console)")
		accessLog  = fs.String("access-log", "", "access log target (stdout, stderr or a file path)")
		errorLog   = fs.String("error-log", "", "error log target (stdout, stderr or a file path)")
	)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: staticserve [flags] [root]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 1 {
		return nil, fmt.Errorf("unexpected arguments after root: %v", fs.Args()[1:])
	}

	cfg := &Config{}
	if *configPath != "" {
		loaded, err := Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if fs.NArg() == 1 {
		cfg.Static.Root = fs.Arg(0)
	}
	if set["a"] {
		cfg.Server.Host = *host
	}
	if set["p"] {
		cfg.Server.Port = *port
	}
	if (set["S"] && *tlsOn) || set["C"] || set["K"] {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
	}
	if set["C"] {
		cfg.Server.TLS.CertFile = *certFile
	}
	if set["K"] {
		cfg.Server.TLS.KeyFile = *keyFile
	}
	if set["c"] {
		if *cacheAge >= 0 {
			cfg.Cache.MaxAge = intPtr(*cacheAge)
		} else {
			cfg.Cache.MaxAge = nil
		}
	}
	if set["d"] {
		cfg.Static.DirectoryListing = boolPtr(*listing)
	}
	if set["i"] {
		cfg.Static.AutoIndex = boolPtr(*autoIndex)
	}
	if set["g"] {
		cfg.Compress.Enabled = boolPtr(*compress)
	}
	if set["cors"] {
		cfg.Server.CORS = boolPtr(*cors)
	}
	if set["P"] {
		cfg.Proxy.Upstream = *proxyURL
	}
	if set["username"] {
		cfg.Auth.Username = *username
	}
	if set["password"] {
		cfg.Auth.Password = *password
	}
	if set["workers"] {
		cfg.Server.Workers = *workers
	}
	if set["max-connections"] {
		cfg.Server.MaxConnections = *maxConns
	}
	if set["s"] {
		cfg.Logging.Quiet = boolPtr(*quiet)
	}
	if set["metrics"] {
		cfg.Metrics.Enabled = boolPtr(*metricsOn)
	}
	if set["log-level"] {
		cfg.Logging.Level = *logLevel
	}
	if set["log-format"] {
		cfg.Logging.Format = *logFormat
	}
	if set["access-log"] {
		if cfg.Logging.AccessLog == nil {
			cfg.Logging.AccessLog = &AccessLogConfig{}
		}
		cfg.Logging.AccessLog.Target = *accessLog
	}
	if set["error-log"] {
		if cfg.Logging.ErrorLog == nil {
			cfg.Logging.ErrorLog = &ErrorLogConfig{}
		}
		cfg.Logging.ErrorLog.Target = *errorLog
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr returns the host:port the server binds.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, fmt.Sprintf("%d", c.Server.Port))
}

// Scheme returns "https" when TLS is configured, else "http".
func (c *Config) Scheme() string {
	if c.TLSEnabled() {
		return "https"
	}
	return "http"
}

func (c *Config) TLSEnabled() bool { return c.Server.TLS != nil }

func (c *Config) CORSEnabled() bool { return c.Server.CORS != nil && *c.Server.CORS }

func (c *Config) ListingEnabled() bool {
	return c.Static.DirectoryListing != nil && *c.Static.DirectoryListing
}

func (c *Config) AutoIndexEnabled() bool {
	return c.Static.AutoIndex != nil && *c.Static.AutoIndex
}

func (c *Config) CompressionEnabled() bool {
	return c.Compress.Enabled != nil && *c.Compress.Enabled
}

func (c *Config) ProxyEnabled() bool { return c.Proxy.UpstreamURL != nil }

func (c *Config) AuthEnabled() bool { return c.Auth.Username != "" }

func (c *Config) MetricsEnabled() bool { return c.Metrics.Enabled != nil && *c.Metrics.Enabled }

func (c *Config) QuietMode() bool { return c.Logging.Quiet != nil && *c.Logging.Quiet }

func (c *Config) AccessLogEnabled() bool {
	if c.QuietMode() {
		return false
	}
	return c.Logging.AccessLog != nil && c.Logging.AccessLog.Enabled != nil && *c.Logging.AccessLog.Enabled
}

func (s *ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(s.ReadHeaderTimeoutSeconds) * time.Second
}

func (s *ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

func (s *ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

func (s *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }
