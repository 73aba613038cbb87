package e2e

import (
	"os"
	"os/exec"
	"testing"
)

var fieldsyncBin string

func TestMain(m *testing.M) {
	fieldsyncBin = envOrLookPath("FIELDSYNC_BIN", "fieldsync")
	os.Exit(m.Run())
}

func envOrLookPath(envVar, name string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return ""
}

func requireFieldsync(t *testing.T) {
	t.Helper()
	if fieldsyncBin == "" {
		t.Skip("fieldsync binary not available (set FIELDSYNC_BIN or add to PATH)")
	}
}
