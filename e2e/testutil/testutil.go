// Package testutil drives a prebuilt staticserve binary for end-to-end
// tests. Tests skip unless STATICSERVE_E2E_BIN points at the binary.
package testutil

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// BinEnv names the environment variable that carries the path of the
// server binary under test.
const BinEnv = "STATICSERVE_E2E_BIN"

// BinaryPath returns the binary under test, skipping t when unset.
func BinaryPath(t *testing.T) string {
	t.Helper()
	bin := os.Getenv(BinEnv)
	if bin == "" {
		t.Skipf("%s not set, skipping end-to-end test", BinEnv)
	}
	if _, err := os.Stat(bin); err != nil {
		t.Fatalf("%s: %v", BinEnv, err)
	}
	return bin
}

// FreePort grabs an ephemeral port and releases it for the server to
// re-bind. The window between the two is small enough for tests.
func FreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// safeBuffer serializes writes from the process's stdout and stderr
// pipes.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Instance is one running server process under test.
type Instance struct {
	t      *testing.T
	cmd    *exec.Cmd
	logs   *safeBuffer
	Addr   string // host:port the server listens on
	Scheme string // "http" or "https"
	Client *http.Client
}

// Start launches the binary with the given extra flags plus a bind
// address on a fresh port, waits for the port to accept, and registers
// teardown with t.Cleanup. Pass tlsOn when the flags configure TLS so
// the readiness probe and Client speak https.
func Start(t *testing.T, tlsOn bool, args ...string) *Instance {
	t.Helper()
	bin := BinaryPath(t)
	port := FreePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	full := append([]string{"-a", "127.0.0.1", "-p", fmt.Sprintf("%d", port)}, args...)
	cmd := exec.Command(bin, full...)
	logs := &safeBuffer{}
	cmd.Stdout = logs
	cmd.Stderr = logs

	if err := cmd.Start(); err != nil {
		t.Fatalf("starting %s: %v", bin, err)
	}

	inst := &Instance{
		t:      t,
		cmd:    cmd,
		logs:   logs,
		Addr:   addr,
		Scheme: "http",
		Client: http.DefaultClient,
	}
	if tlsOn {
		inst.Scheme = "https"
		inst.Client = &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}}
	}
	t.Cleanup(inst.stop)

	inst.waitReady()
	return inst
}

func (i *Instance) waitReady() {
	i.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", i.Addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		if time.Now().After(deadline) {
			i.t.Fatalf("server at %s never came up: %v\nlogs:\n%s", i.Addr, err, i.logs.String())
		}
		if i.cmd.ProcessState != nil {
			i.t.Fatalf("server exited during startup\nlogs:\n%s", i.logs.String())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// stop sends SIGTERM and escalates to SIGKILL when the process does not
// drain in time.
func (i *Instance) stop() {
	if i.cmd.Process == nil {
		return
	}
	i.cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- i.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		i.cmd.Process.Kill()
		<-done
	}
}

// URL joins path onto the instance's base URL.
func (i *Instance) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", i.Scheme, i.Addr, path)
}

// Get issues a GET with optional extra headers and returns the
// response; the caller owns the body.
func (i *Instance) Get(path string, hdr http.Header) (*http.Response, error) {
	req, err := http.NewRequest("GET", i.URL(path), nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return i.Client.Do(req)
}

// GetBody issues a GET and returns status, headers and the full body,
// failing the test on transport errors.
func (i *Instance) GetBody(path string, hdr http.Header) (int, http.Header, []byte) {
	i.t.Helper()
	resp, err := i.Get(path, hdr)
	if err != nil {
		i.t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		i.t.Fatalf("reading body of %s: %v", path, err)
	}
	return resp.StatusCode, resp.Header, body
}

// Logs returns everything the process has written so far.
func (i *Instance) Logs() string {
	return i.logs.String()
}

// WriteConfig marshals cfg into a temp file in the given format (toml,
// json or yaml) and returns its path.
func WriteConfig(t *testing.T, format string, cfg interface{}) string {
	t.Helper()
	var data []byte
	var err error
	switch format {
	case "toml":
		buf := new(bytes.Buffer)
		err = toml.NewEncoder(buf).Encode(cfg)
		data = buf.Bytes()
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case "yaml":
		data, err = yaml.Marshal(cfg)
	default:
		t.Fatalf("unsupported config format %q", format)
	}
	if err != nil {
		t.Fatalf("encoding %s config: %v", format, err)
	}

	path := filepath.Join(t.TempDir(), "config."+format)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}
