//go:build e2e

package e2e

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// relayProcess manages a running `fieldsync relay` process.
type relayProcess struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	secret  string
	logFile string
}

// startRelayProcess launches the relay binary and waits for it to become
// healthy. It is configured entirely through environment variables.
func startRelayProcess(t *testing.T) *relayProcess {
	t.Helper()
	requireFieldsync(t)

	dataDir := t.TempDir()
	secret := "e2e-test-secret"
	port := freePort(t)
	address := fmt.Sprintf("127.0.0.1:%d", port)
	logFile := filepath.Join(dataDir, "relay.log")

	cmd := exec.Command(fieldsyncBin, "relay", "--env-file", "")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("FIELDSYNC_RELAY_PORT=%d", port),
		"FIELDSYNC_RELAY_DB_PATH="+filepath.Join(dataDir, "relay.db"),
		"FIELDSYNC_JWT_SECRET="+secret,
		"FIELDSYNC_CONFIG_PATH="+filepath.Join(dataDir, "nonexistent.yaml"),
		"FIELDSYNC_SNAPSHOT_INTERVAL=0s",
	)

	lf, err := os.Create(logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start relay: %v", err)
	}

	p := &relayProcess{
		cmd:     cmd,
		dataDir: dataDir,
		address: address,
		secret:  secret,
		logFile: logFile,
	}
	t.Cleanup(func() {
		p.stop()
		lf.Close()
	})

	if err := p.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("relay not healthy: %v", err)
	}
	return p
}

func (p *relayProcess) stop() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
		_ = p.cmd.Wait()
	}
}

func (p *relayProcess) apiURL() string {
	return fmt.Sprintf("http://%s/api/v1", p.address)
}

func (p *relayProcess) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := p.apiURL() + "/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("relay not healthy after %s", timeout)
}

// token issues a bearer token through the CLI.
func (p *relayProcess) token(t *testing.T, userID string) string {
	t.Helper()
	cmd := exec.Command(fieldsyncBin, "relay", "token", userID, "--env-file", "")
	cmd.Env = append(os.Environ(),
		"FIELDSYNC_JWT_SECRET="+p.secret,
		"FIELDSYNC_CONFIG_PATH="+filepath.Join(p.dataDir, "nonexistent.yaml"),
	)
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("relay token: %v", err)
	}
	return strings.TrimSpace(string(out))
}

func (p *relayProcess) logs(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(p.logFile)
	if err != nil {
		t.Fatalf("read relay log: %v", err)
	}
	return string(data)
}

// freePort returns a free TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
