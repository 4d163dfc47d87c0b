package multifilesystem

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/filedav/filedav/internal/metrics"
)

// hookRunner executes the configured storage hook after successful writes.
// Hooks run with the storage lock still held so they observe a consistent
// tree; a hanging hook therefore blocks the server, which is the documented
// contract.
type hookRunner struct {
	command string
	dir     string
	logger  zerolog.Logger

	mu      sync.Mutex
	running map[*exec.Cmd]struct{}
}

func newHookRunner(command, dir string, logger zerolog.Logger) *hookRunner {
	return &hookRunner{
		command: command,
		dir:     dir,
		logger:  logger,
		running: make(map[*exec.Cmd]struct{}),
	}
}

func (h *hookRunner) run(user, path string) {
	if h.command == "" {
		return
	}
	cmd := exec.Command("/bin/sh", "-c", h.command)
	cmd.Dir = h.dir
	cmd.Env = append(os.Environ(),
		"FILEDAV_USER="+user,
		"FILEDAV_PATH="+path,
	)
	// Own process group so killAll can take the hook's children down too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	h.mu.Lock()
	h.running[cmd] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.running, cmd)
		h.mu.Unlock()
	}()

	out, err := cmd.CombinedOutput()
	if err != nil {
		metrics.StorageHookFailures.Inc()
		h.logger.Error().Err(err).Str("user", user).Str("path", path).
			Bytes("output", out).Msg("storage hook failed")
		return
	}
	h.logger.Debug().Str("user", user).Str("path", path).Msg("storage hook finished")
}

func (h *hookRunner) killAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cmd := range h.running {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}
}

func (s *Store) RunHook(user, path string) {
	s.hooks.run(user, SanitizePath(path))
}
