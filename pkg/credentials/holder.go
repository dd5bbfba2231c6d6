//go:build linux || darwin

package credentials

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// HolderSubcommand is the argv[1] value that switches the binary into
// holder mode.
const HolderSubcommand = "credential-holder"

// RunHolder is the child-process entrypoint. It receives the secret on
// stdin, pins it in non-swappable memory, and serves use/wipe requests
// until stdin closes or a wipe arrives. It never writes the secret
// anywhere except as a direct response to a use request from its parent.
func RunHolder(in io.Reader, out io.Writer) error {
	var secret []byte
	defer func() {
		if secret != nil {
			zero(secret)
			_ = unix.Munlock(secret)
		}
	}()

	for {
		f, err := readFrame(in)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading holder frame: %w", err)
		}

		switch f.Op {
		case "load":
			if secret != nil {
				zero(secret)
				_ = unix.Munlock(secret)
			}
			secret = make([]byte, len(f.Secret))
			copy(secret, f.Secret)
			zero(f.Secret)
			if err := unix.Mlock(secret); err != nil {
				// Locking can fail under RLIMIT_MEMLOCK; the secret still
				// lives only in this process.
				slog.Warn("mlock failed, secret memory may be swappable", "error", err)
			}
			if err := writeFrame(out, &frame{Op: "ok"}); err != nil {
				return err
			}

		case "use":
			if secret == nil {
				if err := writeFrame(out, &frame{Op: "error", Error: "no secret loaded"}); err != nil {
					return err
				}
				continue
			}
			if err := writeFrame(out, &frame{Op: "ok", Secret: secret}); err != nil {
				return err
			}

		case "wipe":
			if secret != nil {
				zero(secret)
				_ = unix.Munlock(secret)
				secret = nil
			}
			if err := writeFrame(out, &frame{Op: "ok"}); err != nil {
				return err
			}
			return nil

		default:
			if err := writeFrame(out, &frame{Op: "error", Error: "unknown op " + f.Op}); err != nil {
				return err
			}
		}
	}
}

// holderProcess is the parent-side handle on one holder child.
type holderProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	stdout io.ReadCloser
}

// spawnHolder starts the holder child and loads the secret into it. The
// secret slice is zeroed before return regardless of outcome.
func spawnHolder(secret []byte) (*holderProcess, error) {
	defer zero(secret)

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving executable: %w", err)
	}
	cmd := exec.Command(self, HolderSubcommand)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating holder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating holder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting holder process: %w", err)
	}

	h := &holderProcess{cmd: cmd, stdin: stdin, stdout: stdout}
	if err := writeFrame(stdin, &frame{Op: "load", Secret: secret}); err != nil {
		h.kill()
		return nil, err
	}
	resp, err := readFrame(stdout)
	if err != nil {
		h.kill()
		return nil, fmt.Errorf("reading holder load response: %w", err)
	}
	if resp.Op != "ok" {
		h.kill()
		return nil, fmt.Errorf("holder load failed: %s", resp.Error)
	}
	return h, nil
}

// use requests the secret and invokes fn with it. The buffer is zeroed
// after fn returns.
func (h *holderProcess) use(fn func(secret []byte) error) error {
	if err := writeFrame(h.stdin, &frame{Op: "use"}); err != nil {
		return err
	}
	resp, err := readFrame(h.stdout)
	if err != nil {
		return fmt.Errorf("reading holder use response: %w", err)
	}
	if resp.Op != "ok" {
		return fmt.Errorf("holder use failed: %s", resp.Error)
	}
	defer zero(resp.Secret)
	return fn(resp.Secret)
}

// wipe tells the holder to zero and exit, then reaps it.
func (h *holderProcess) wipe() {
	if err := writeFrame(h.stdin, &frame{Op: "wipe"}); err != nil {
		h.kill()
		return
	}
	if _, err := readFrame(h.stdout); err != nil {
		h.kill()
		return
	}
	_ = h.stdin.Close()
	_ = h.cmd.Wait()
}

func (h *holderProcess) kill() {
	_ = h.stdin.Close()
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	_ = h.cmd.Wait()
}
