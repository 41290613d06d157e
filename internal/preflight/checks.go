package preflight

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// maxSocketPath is the usable length of sockaddr_un.sun_path, leaving room
// for the trailing NUL.
var maxSocketPath = len(unix.RawSockaddrUnix{}.Path) - 1

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckBuildProgram verifies that the configured build program resolves to
// an executable file.
func CheckBuildProgram(program string) Result {
	const name = "Build program"

	program = strings.TrimSpace(program)
	if program == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	resolved, err := exec.LookPath(program)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", program, err)}
	}
	if err := unix.Access(resolved, unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: not executable: %v)", resolved, err)}
	}
	return Result{Name: name, Passed: true, Detail: resolved}
}

// CheckSocketPath verifies that path fits in a unix socket address.
func CheckSocketPath(path string) Result {
	const name = "Socket path"

	if len(path) > maxSocketPath {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %d bytes exceeds limit of %d; use a shorter state_dir)", path, len(path), maxSocketPath)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%d of %d bytes", len(path), maxSocketPath)}
}

// CheckAPI verifies that a daemon HTTP API answers on bind and accepts token.
// A refused connection only means no daemon with the API enabled is running.
func CheckAPI(ctx context.Context, bind, token string) Result {
	const name = "HTTP API"

	bind = strings.TrimSpace(bind)
	if bind == "" {
		return Result{Name: name, Passed: true, Detail: "Disabled"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, "http://"+bind+"/api/status", nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("request failed (%v)", err)}
	}
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (not listening)", bind)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (reachable)", bind)}
	case http.StatusUnauthorized, http.StatusForbidden:
		return Result{Name: name, Detail: fmt.Sprintf("%s (auth failed: check api.token)", bind)}
	default:
		return Result{Name: name, Detail: fmt.Sprintf("%s (status check failed: %d)", bind, resp.StatusCode)}
	}
}
