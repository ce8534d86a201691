package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"transcription_worker/pkg"
	"transcription_worker/pkg/logger"

	"go.uber.org/zap"
)

const readySignal = "READY"

// helperProcess one long-lived whisper helper, line-delimited JSON over stdin/stdout
type helperProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	outR   *os.File
	stderr *stderrLog

	done    chan struct{}
	waitErr error
}

type helperRequest struct {
	Audio string `json:"audio"`
}

type readResult struct {
	line string
	err  error
}

// startHelper spawn the helper and block until it prints "READY <device>".
// The model load happens before READY, so ctx bounds the load time.
func startHelper(ctx context.Context, python string, args []string) (*helperProcess, string, error) {
	cmd := exec.Command(python, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("stdin pipe: %w", err)
	}
	// os.Pipe 讓 stdout 的 EOF 只取決於子行程, 與 cmd.Wait 無關
	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &stderrLog{}
	cmd.Stdout = outW
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, "", fmt.Errorf("start whisper helper: %w", err)
	}
	outW.Close()

	p := &helperProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(outR),
		outR:   outR,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	logger.Log.Debug("whisper helper started", zap.Int("pid", cmd.Process.Pid))

	line, err := p.readLine(ctx)
	if err != nil {
		p.kill()
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("waiting for ready signal: %w", ctx.Err())
		}
		return nil, "", p.exitError()
	}

	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != readySignal {
		p.kill()
		if msg := helperError([]byte(line)); msg != "" {
			return nil, "", fmt.Errorf("whisper: %s", msg)
		}
		return nil, "", fmt.Errorf("unexpected ready signal: %q", pkg.Truncate(line, 200))
	}

	device := ""
	if len(fields) > 1 {
		device = fields[1]
	}
	return p, device, nil
}

// transcribe send one request and wait for its JSON reply
func (p *helperProcess) transcribe(ctx context.Context, audioPath string) ([]byte, error) {
	req, err := json.Marshal(helperRequest{Audio: audioPath})
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(p.stdin, "%s\n", req); err != nil {
		return nil, p.exitError()
	}

	for {
		line, err := p.readLine(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, p.exitError()
		}
		// 只接受 JSON 行, 其他輸出當作 log
		if !strings.HasPrefix(line, "{") {
			if line != "" {
				logger.Log.Debug("[whisper] " + line)
			}
			continue
		}
		return []byte(line), nil
	}
}

// readLine one stdout line, abandoned when ctx is done (the caller then kills the process)
func (p *helperProcess) readLine(ctx context.Context) (string, error) {
	ch := make(chan readResult, 1)
	go func() {
		line, err := p.stdout.ReadString('\n')
		if err != nil && line != "" && err == io.EOF {
			err = nil
		}
		ch <- readResult{line: strings.TrimSpace(line), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}

func (p *helperProcess) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// exitError wait for the exit status, stderr is complete once Wait returned
func (p *helperProcess) exitError() error {
	p.kill()
	msg := p.stderr.Last()
	if msg == "" {
		return fmt.Errorf("whisper helper exited: %v", p.waitErr)
	}
	return fmt.Errorf("whisper helper exited: %v: %s", p.waitErr, pkg.Truncate(msg, 500))
}

func (p *helperProcess) kill() {
	if p.alive() {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
	p.stdin.Close()
	p.outR.Close()
}

// stop close stdin so the helper leaves its loop, kill it after grace
func (p *helperProcess) stop(grace time.Duration) {
	p.stdin.Close()
	select {
	case <-p.done:
	case <-time.After(grace):
		logger.Log.Warn("whisper helper did not exit, killing it")
	}
	p.kill()
}

// stderrLog forward helper stderr to the debug log line by line, keep the last line for errors
type stderrLog struct {
	mu   sync.Mutex
	buf  []byte
	last string
}

func (s *stderrLog) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, b...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(s.buf[:i])); line != "" {
			logger.Log.Debug("[whisper] " + line)
			s.last = line
		}
		s.buf = s.buf[i+1:]
	}
	return len(b), nil
}

func (s *stderrLog) Last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if line := strings.TrimSpace(string(s.buf)); line != "" {
		return line
	}
	return s.last
}
