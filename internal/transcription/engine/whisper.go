package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"transcription_worker/internal/transcription/domain"
	"transcription_worker/pkg"
	"transcription_worker/pkg/logger"

	"go.uber.org/zap"
)

// Engine 轉錄引擎: local audio file in, transcript out
type Engine interface {
	Transcribe(ctx context.Context, audioPath string) (*domain.TranscriptResult, error)
}

// WhisperConfig how to run the whisper helper script
type WhisperConfig struct {
	PythonPath string
	Script     string
	Model      string
	Language   string
	Device     string
	Timeout    time.Duration
}

// WhisperEngine keeps one whisper helper process alive so the model is loaded once.
// Jobs are sent one at a time over its stdin, a dead or stuck helper is restarted on the next job.
type WhisperEngine struct {
	cfg    WhisperConfig
	python string

	mu     sync.Mutex
	proc   *helperProcess
	device string
}

// whisperOutput JSON line printed by the helper
type whisperOutput struct {
	Text     string              `json:"text"`
	Language string              `json:"language"`
	Segments []domain.RawSegment `json:"segments"`
	Error    string              `json:"error"`
}

// NewWhisperEngine resolve the interpreter, check the script exists and start the helper,
// which loads the model before signalling READY. Any failure means the engine cannot start.
func NewWhisperEngine(ctx context.Context, cfg WhisperConfig) (*WhisperEngine, error) {
	python, err := exec.LookPath(cfg.PythonPath)
	if err != nil {
		return nil, fmt.Errorf("python interpreter %q: %w", cfg.PythonPath, err)
	}
	if _, err := os.Stat(cfg.Script); err != nil {
		return nil, fmt.Errorf("whisper script: %w", err)
	}

	e := &WhisperEngine{cfg: cfg, python: python, device: cfg.Device}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := e.start(ctx); err != nil {
		return nil, fmt.Errorf("whisper model %q failed to load: %w", cfg.Model, err)
	}

	language := cfg.Language
	if language == "" {
		language = "auto-detect"
	}
	logger.Log.Info("Whisper model loaded",
		zap.String("model", cfg.Model),
		zap.String("device", e.device),
		zap.String("language", language),
	)
	return e, nil
}

// Device device the model actually runs on
func (e *WhisperEngine) Device() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}

// Transcribe send audioPath to the helper and wait for its reply, bounded by the configured timeout
func (e *WhisperEngine) Transcribe(ctx context.Context, audioPath string) (*domain.TranscriptResult, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return nil, fmt.Errorf("audio file: %w", err)
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.proc == nil || !e.proc.alive() {
		if e.proc != nil {
			logger.Log.Warn("Whisper helper exited, restarting", zap.Error(e.proc.waitErr))
			e.discard()
		}
		if err := e.start(ctx); err != nil {
			return nil, fmt.Errorf("restart whisper helper: %w", err)
		}
	}

	out, err := e.proc.transcribe(ctx, audioPath)
	if err != nil {
		// 卡住或已結束的 helper 不再使用, 下一個工作重新啟動
		e.discard()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("whisper timed out after %s", e.cfg.Timeout)
		}
		return nil, err
	}

	result, err := parseOutput(out)
	if err != nil {
		return nil, err
	}

	logger.Log.Info("Transcription complete",
		zap.String("language", result.Language),
		zap.Int("segments", len(result.Segments)),
		zap.Float64("confidence", result.Confidence),
		zap.Int("text_length", len(result.Text)),
		zap.String("preview", pkg.Truncate(result.Text, 100)),
	)
	return result, nil
}

// Close stop the helper process
func (e *WhisperEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != nil {
		e.proc.stop(5 * time.Second)
		e.proc = nil
	}
	return nil
}

func (e *WhisperEngine) args() []string {
	args := []string{e.cfg.Script, "--model", e.cfg.Model, "--device", e.cfg.Device}
	if e.cfg.Language != "" {
		args = append(args, "--language", e.cfg.Language)
	}
	return args
}

// start spawn the helper, caller holds mu (or owns e exclusively)
func (e *WhisperEngine) start(ctx context.Context) error {
	args := e.args()
	logger.Log.Debug("執行 whisper", zap.String("python", e.python), zap.Strings("args", args))

	p, device, err := startHelper(ctx, e.python, args)
	if err != nil {
		return err
	}
	e.proc = p

	// READY <device>, the helper falls back to cpu when cuda is missing
	if device != "" && device != e.cfg.Device {
		logger.Log.Warn("Whisper device fallback",
			zap.String("requested", e.cfg.Device),
			zap.String("actual", device),
		)
	}
	if device != "" {
		e.device = device
	}
	return nil
}

func (e *WhisperEngine) discard() {
	if e.proc != nil {
		e.proc.kill()
		e.proc = nil
	}
}

func parseOutput(out []byte) (*domain.TranscriptResult, error) {
	var o whisperOutput
	if err := json.Unmarshal(bytes.TrimSpace(out), &o); err != nil {
		return nil, fmt.Errorf("parse whisper output: %w, raw: %s", err, pkg.Truncate(string(out), 200))
	}
	if o.Error != "" {
		return nil, fmt.Errorf("whisper: %s", o.Error)
	}

	result := domain.BuildResult(o.Text, o.Language, o.Segments)
	if len(result.Segments) == 0 {
		logger.Log.Warn("No speech detected, confidence is 0")
	}
	return &result, nil
}

func helperError(stdout []byte) string {
	var o whisperOutput
	if json.Unmarshal(bytes.TrimSpace(stdout), &o) != nil {
		return ""
	}
	return o.Error
}
