package media

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const processStopTimeout = 5 * time.Second

// ffmpegProcess is one running ffmpeg invocation. The stdout consumer runs to
// EOF before the process is reaped.
type ffmpegProcess struct {
	label  string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *syncBuffer

	exited  chan struct{}
	waitErr error
}

type syncBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	// keep the tail only
	if b.buf.Len() > 64*1024 {
		b.buf.Reset()
	}
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.String()
}

// startProcess starts ffmpeg and hands its stdout to consume. With withStdin
// the caller feeds the process through p.stdin.
func startProcess(label, path string, args []string, withStdin bool, consume func(io.Reader)) (*ffmpegProcess, error) {
	slog.Info("Starting FFmpeg", "process", label, "command", path+" "+strings.Join(args, " "))

	cmd := exec.Command(path, args...)
	p := &ffmpegProcess{
		label:  label,
		cmd:    cmd,
		stderr: &syncBuffer{},
		exited: make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	if withStdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
		p.stdin = stdin
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	go func() {
		consume(stdout)
		p.waitErr = cmd.Wait()
		if p.waitErr != nil {
			slog.Debug("FFmpeg exited", "process", label, "error", p.waitErr)
		}
		close(p.exited)
	}()

	return p, nil
}

// stop interrupts ffmpeg so it finalizes its output, killing it if it has not
// exited within the timeout.
func (p *ffmpegProcess) stop() error {
	select {
	case <-p.exited:
		return p.exitError()
	default:
	}

	if p.cmd.Process != nil {
		slog.Debug("Sending SIGINT to FFmpeg process", "process", p.label)
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			slog.Debug("Failed to send interrupt to FFmpeg, falling back to SIGKILL", "process", p.label, "error", err)
			p.cmd.Process.Kill()
		}
	}

	select {
	case <-p.exited:
		return p.exitError()
	case <-time.After(processStopTimeout):
		slog.Warn("FFmpeg did not exit within timeout, force killing", "process", p.label)
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		<-p.exited
		return nil
	}
}

func (p *ffmpegProcess) exitError() error {
	err := p.waitErr
	if err == nil || isInterruptExit(err) {
		return nil
	}
	slog.Debug("FFmpeg stderr", "process", p.label, "output", p.stderr.String())
	return fmt.Errorf("FFmpeg process failed: %w", err)
}

// isInterruptExit reports whether err is ffmpeg exiting because we asked it to
func isInterruptExit(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	// 255 is ffmpeg's exit code after a graceful interrupt
	if exitErr.ExitCode() == 255 {
		return true
	}
	if exitErr.ProcessState != nil {
		state := exitErr.ProcessState.String()
		return state == "signal: interrupt" || state == "signal: killed"
	}
	return false
}

// lastStderrLine returns the most useful line of ffmpeg's error output
func (p *ffmpegProcess) lastStderrLine() string {
	lines := strings.Split(strings.TrimSpace(p.stderr.String()), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// splitJPEG is a bufio.SplitFunc yielding whole JPEG images from an MJPEG
// byte stream. Bytes before a start-of-image marker are discarded.
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a trailing 0xFF that may begin a marker
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}

// newJPEGScanner scans frames of up to maxFrame bytes
func newJPEGScanner(r io.Reader, maxFrame int) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), maxFrame)
	scanner.Split(splitJPEG)
	return scanner
}

// parseSources parses the device list printed by `ffmpeg -sources <format>`
func parseSources(output string) []string {
	var devices []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "Auto-detected sources") {
			continue
		}
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "*"))
		fields := strings.Fields(trimmed)
		if len(fields) == 0 {
			continue
		}
		devices = append(devices, fields[0])
	}
	return devices
}

// selectVideoCodec picks the encoder for the WebM container. Preference is
// VP9, then VP8, then whatever the container defaults to (empty result).
func selectVideoCodec(preference, encoders string) (string, error) {
	has := func(name string) bool {
		for _, line := range strings.Split(encoders, "\n") {
			fields := strings.Fields(line)
			if len(fields) >= 2 && fields[1] == name {
				return true
			}
		}
		return false
	}

	switch strings.ToLower(preference) {
	case "vp9":
		if !has("libvpx-vp9") {
			return "", fmt.Errorf("encoder libvpx-vp9 is not available")
		}
		return "libvpx-vp9", nil
	case "vp8":
		if !has("libvpx") {
			return "", fmt.Errorf("encoder libvpx is not available")
		}
		return "libvpx", nil
	}

	if has("libvpx-vp9") {
		return "libvpx-vp9", nil
	}
	if has("libvpx") {
		return "libvpx", nil
	}
	return "", nil
}
