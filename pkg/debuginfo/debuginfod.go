package debuginfo

import (
	"context"
	"os"
	"os/exec"
	"strings"
)

const (
	debuginfodFind       = "debuginfod-find"
	debuginfodMaxtimeEnv = "DEBUGINFOD_MAXTIME"
	debuginfodTimeoutEnv = "DEBUGINFOD_TIMEOUT"
)

func execFind(ctx context.Context, args ...string) (string, error) {
	if _, err := exec.LookPath(debuginfodFind); err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, debuginfodFind, args...)
	if os.Getenv(debuginfodMaxtimeEnv) == "" || os.Getenv(debuginfodTimeoutEnv) == "" {
		cmd.Env = append(os.Environ(), debuginfodMaxtimeEnv+"=1", debuginfodTimeoutEnv+"=1")
	}
	out, err := cmd.Output() // ignore stderr
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), err
}

// GetDebuginfo returns the path of the separate debug file of buildid,
// downloading it through debuginfod-find if needed.
func GetDebuginfo(ctx context.Context, buildid string) (string, error) {
	return execFind(ctx, "debuginfo", buildid)
}
