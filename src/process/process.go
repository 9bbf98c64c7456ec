// Package process runs the wrapped command and manages its lifecycle: signal
// forwarding, inherited stdio and the environment variable carrying the
// computed inputs hash through to the child.
package process

import (
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("process")

// DefaultInputsHashEnvVar is the environment variable name the inputs hash is
// injected under unless a capsule overrides it.
const DefaultInputsHashEnvVar = "CAPSULE_INPUTS_HASH"

// An Executor runs a single wrapped command to completion, forwarding
// SIGINT/SIGTERM to it for as long as it runs.
type Executor struct {
	mutex    sync.Mutex
	cmd      *exec.Cmd
	signaled bool
}

// New returns a new Executor.
func New() *Executor {
	return &Executor{}
}

// Run starts argv with the given working directory and environment, inherits
// stdin/stdout/stderr unchanged, and blocks until it exits. It never buffers
// the child's output. The returned int is the child's exit code; it is only
// meaningful when err is nil. The returned bool reports whether a forwarded
// SIGINT/SIGTERM reached the child before it exited: a caller must not treat
// the exit as a cache-worthy outcome when this is true, since the command may
// have been cut off mid-write.
func (e *Executor) Run(dir string, env, argv []string) (int, bool, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return -1, false, err
	}
	e.mutex.Lock()
	e.cmd = cmd
	e.signaled = false
	e.mutex.Unlock()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	for {
		select {
		case sig := <-sigCh:
			e.forward(sig.(syscall.Signal))
		case err := <-done:
			e.mutex.Lock()
			signaled := e.signaled
			e.mutex.Unlock()
			return exitCode(err), signaled, nil
		}
	}
}

// forward relays a received signal to the whole process group of the child.
func (e *Executor) forward(sig syscall.Signal) {
	e.mutex.Lock()
	cmd := e.cmd
	e.signaled = true
	e.mutex.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	log.Debug("forwarding signal %s to process group -%d", sig, cmd.Process.Pid)
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		log.Warning("failed to forward signal to child: %s", err)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	log.Error("command did not run to completion: %s", err)
	return 1
}

// EnvWithInputsHash returns a copy of base (or the current process
// environment, if base is nil) with varName set to inputsHash, replacing any
// existing entry of the same name.
func EnvWithInputsHash(base []string, varName, inputsHash string) []string {
	if base == nil {
		base = os.Environ()
	}
	prefix := varName + "="
	env := make([]string, 0, len(base)+1)
	for _, kv := range base {
		if !strings.HasPrefix(kv, prefix) {
			env = append(env, kv)
		}
	}
	return append(env, prefix+inputsHash)
}
