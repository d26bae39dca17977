package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lucasnoah/foundry/internal/db"
)

// Guard owns ephemeral delegate session lifecycle: discovery, teardown,
// and the recovery layers that reclaim sessions leaked by a crashed
// orchestrator process.
type Guard struct {
	tmux     TmuxRunner
	registry *FileRegistry
	db       *db.DB // nil disables event logging
}

// NewGuard creates a Guard.
func NewGuard(tmux TmuxRunner, registry *FileRegistry, database *db.DB) *Guard {
	return &Guard{tmux: tmux, registry: registry, db: database}
}

// Registry exposes the underlying registry for resolution.
func (g *Guard) Registry() *FileRegistry {
	return g.registry
}

// Teardown shuts a session down in two explicit steps: attempt a
// graceful tmux kill, then sweep the state file unconditionally. The
// forceful sweep runs regardless of whether the graceful step failed.
func (g *Guard) Teardown(name string) error {
	var killErr error
	if exists, err := g.tmux.HasSession(name); err == nil && exists {
		killErr = g.tmux.KillSession(name)
	}

	sweepErr := g.registry.Remove(name)

	if g.db != nil {
		_ = g.db.LogSessionEvent(name, "", "", "torn_down", "")
	}

	if killErr != nil {
		return fmt.Errorf("graceful kill %q failed (state file swept): %w", name, killErr)
	}
	if sweepErr != nil {
		return fmt.Errorf("sweep state file %q: %w", name, sweepErr)
	}
	return nil
}

// Sweep is the layer-2 background heal: any session whose state file
// is older than ttl is deleted, regardless of which run owns it. This
// catches sessions the checkpoint never learned about. Returns the
// names of swept sessions.
func (g *Guard) Sweep(ttl time.Duration) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(g.registry.Dir(), "*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob sessions: %w", err)
	}

	var swept []string
	now := time.Now()
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= ttl {
			continue
		}
		name := strings.TrimSuffix(filepath.Base(path), ".json")
		if exists, err := g.tmux.HasSession(name); err == nil && exists {
			_ = g.tmux.KillSession(name)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			continue
		}
		swept = append(swept, name)
		if g.db != nil {
			_ = g.db.LogSessionEvent(name, "", "", "swept", "ttl")
		}
	}
	return swept, nil
}

// PreRunScan is the layer-3 guard run before starting a new run: evict
// stale sessions matching the known role prefixes. Delegate roles own
// their own pre-creation double-start guards; this only catches roles
// that do not self-guard. Returns evicted session names.
func (g *Guard) PreRunScan(rolePrefixes []string, staleAfter time.Duration) ([]string, error) {
	var evicted []string
	now := time.Now()
	for _, role := range rolePrefixes {
		sessions, err := g.registry.scan(role)
		if err != nil {
			return evicted, err
		}
		for _, sf := range sessions {
			if now.Sub(sf.StartedAt) <= staleAfter {
				continue
			}
			if err := g.Teardown(sf.SessionName); err == nil {
				evicted = append(evicted, sf.SessionName)
			}
		}
	}
	return evicted, nil
}

// AcquireRunLock refuses a second concurrent run against the same run
// id. The lock is a pid file in the run directory; a lock held by a
// dead process is broken and re-acquired.
func AcquireRunLock(runDir string) (release func(), err error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir run dir: %w", err)
	}
	lockPath := filepath.Join(runDir, "run.lock")

	if data, err := os.ReadFile(lockPath); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && processAlive(pid) {
			return nil, fmt.Errorf("run already in progress (pid %d holds %s)", pid, lockPath)
		}
		// Stale lock from a dead process — break it.
		_ = os.Remove(lockPath)
	}

	pid := os.Getpid()
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write run lock: %w", err)
	}
	return func() { _ = os.Remove(lockPath) }, nil
}

// processAlive reports whether a pid refers to a live process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
