package driver

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/odvcencio/browserfleet/pkg/browser"
	fleeterrors "github.com/odvcencio/browserfleet/pkg/errors"
)

// locate finds the driver executable for f: the configured binary first,
// then PATH, then the configured search paths.
func (m *Manager) locate(f browser.Family) (string, error) {
	if bin := m.cfg.Driver(f).Binary; bin != "" {
		if strings.ContainsRune(bin, filepath.Separator) || strings.ContainsRune(bin, '/') {
			if isExecutable(bin) {
				return bin, nil
			}
		} else if path, err := m.lookPath(bin); err == nil {
			return path, nil
		}
		return "", fleeterrors.Newf(fleeterrors.ErrCodeBinaryNotFound, "configured driver binary %q not found", bin).
			WithFamily(f).
			WithRemediation(f.InstallHint())
	}

	name := f.Executable()
	if path, err := m.lookPath(name); err == nil {
		return path, nil
	}
	for _, dir := range m.cfg.SearchPaths {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fleeterrors.Newf(fleeterrors.ErrCodeBinaryNotFound, "%s not found on PATH or search paths", name).
		WithFamily(f).
		WithUserMessage(f.String() + " driver is not installed").
		WithRemediation(f.InstallHint())
}

// Available lists the families whose driver executable can be located, in
// priority order.
func (m *Manager) Available() []browser.Family {
	var out []browser.Family
	for _, f := range browser.Families() {
		if _, err := m.locate(f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

// pickPort chooses the listen port for f. A configured port must be free;
// otherwise the family's default port is preferred and any free port is the
// fallback.
func (m *Manager) pickPort(f browser.Family) (int, error) {
	if port := m.cfg.Driver(f).Port; port > 0 {
		if !portFree(port) {
			return 0, fleeterrors.Newf(fleeterrors.ErrCodePortUnavailable, "port %d is already in use", port).
				WithFamily(f).
				WithRemediation("choose another drivers.families." + f.String() + ".port or leave it unset")
		}
		return port, nil
	}

	used := make(map[int]bool)
	m.mu.Lock()
	for _, st := range m.families {
		if st.current != nil {
			used[st.current.port] = true
		}
	}
	m.mu.Unlock()

	if def := f.DefaultPort(); def > 0 && !used[def] && portFree(def) {
		return def, nil
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fleeterrors.Wrap(err, fleeterrors.ErrCodePortUnavailable, "allocate ephemeral port").WithFamily(f)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
