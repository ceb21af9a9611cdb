package notify

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

var (
	agentOnce sync.Once
	agentID   string
)

// AgentID identifies the host sending events: the hardware UUID where one
// can be read, else the hostname.
func AgentID() string {
	agentOnce.Do(func() {
		if id, err := hostUUID(); err == nil && id != "" {
			agentID = id
			return
		}
		agentID, _ = os.Hostname()
	})
	return agentID
}

// hostUUID uses system_profiler on macOS; on Linux it prefers
// /etc/machine-id then falls back to /sys/class/dmi/id/product_uuid.
func hostUUID() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		cmd := exec.CommandContext(context.Background(), "bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'")
		out, err := cmd.Output()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(out)), nil
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"} {
			if id, err := readSystemFile(path); err == nil && id != "" {
				return id, nil
			}
		}
		return "", nil
	default:
		return "", nil
	}
}

func readSystemFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
