package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	plog "porchwatch/internal/log"
)

// FFmpegSource decodes a stream with an ffmpeg subprocess writing MJPEG
// frames to stdout
type FFmpegSource struct {
	device string
	opts   SourceOptions
	logger *slog.Logger

	mu   sync.Mutex
	conn *ffmpegConn
}

// ffmpegConn is one ffmpeg process and its reader goroutine
type ffmpegConn struct {
	cmd    *exec.Cmd
	frames chan []byte
	errc   chan error
	stopCh chan struct{}
	done   chan struct{}
}

// NewFFmpegSource creates an ffmpeg-backed source for an RTSP, HTTP stream
// or V4L2 device
func NewFFmpegSource(device string, opts SourceOptions) *FFmpegSource {
	return &FFmpegSource{
		device: device,
		opts:   opts,
		logger: plog.Component("camera").With("source", redactURL(device)),
	}
}

func (s *FFmpegSource) args() []string {
	var args []string

	if strings.HasPrefix(s.device, "rtsp://") {
		args = []string{"-rtsp_transport", "tcp", "-i", s.device}
	} else if strings.HasPrefix(s.device, "http://") || strings.HasPrefix(s.device, "https://") {
		args = []string{"-i", s.device}
	} else {
		// V4L2 device (USB camera)
		args = []string{"-f", "v4l2", "-i", s.device}
	}

	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg")
	if s.opts.FPS > 0 {
		args = append(args, "-r", fmt.Sprintf("%d", s.opts.FPS))
	}
	return append(args, "-q:v", "5", "-")
}

// Open starts ffmpeg. Any previous process is stopped first.
func (s *FFmpegSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Close()

	cmd := exec.Command("ffmpeg", s.args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	conn := &ffmpegConn{
		cmd:    cmd,
		frames: make(chan []byte),
		errc:   make(chan error, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	// ffmpeg diagnostics go to the debug log
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			s.logger.Debug("ffmpeg", "line", scanner.Text())
		}
	}()

	go conn.readLoop(stdout)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("ffmpeg started", "pid", cmd.Process.Pid)
	return nil
}

// readLoop splits stdout into JPEG frames
func (c *ffmpegConn) readLoop(stdout io.Reader) {
	defer close(c.done)

	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		n, err := stdout.Read(chunk)
		if err != nil {
			if err == io.EOF {
				err = errors.New("ffmpeg stream ended")
			}
			c.errc <- err
			return
		}

		frameBuffer = append(frameBuffer, chunk[:n]...)

		// Extract complete JPEG frames
		for {
			frame := extractJPEGFrame(&frameBuffer)
			if frame == nil {
				break
			}
			select {
			case c.frames <- frame:
			case <-c.stopCh:
				return
			}
		}
	}
}

// Read blocks until the next frame, a stream error, or ctx is done
func (s *FFmpegSource) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil, errors.New("ffmpeg source is not open")
	}

	select {
	case frame := <-conn.frames:
		return frame, nil
	case err := <-conn.errc:
		// Keep the error visible to later reads until reconnect
		conn.errc <- err
		return nil, err
	case <-conn.stopCh:
		return nil, ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close kills ffmpeg and waits for the reader to exit
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	close(conn.stopCh)
	if conn.cmd.Process != nil {
		conn.cmd.Process.Kill()
	}
	<-conn.done
	conn.cmd.Wait()

	s.logger.Info("ffmpeg stopped")
	return nil
}

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	// Find JPEG start marker (FFD8)
	startIdx := bytes.Index(*buffer, []byte{0xFF, 0xD8})
	if startIdx == -1 {
		// Keep a trailing 0xFF in case the marker is split across reads
		if (*buffer)[len(*buffer)-1] == 0xFF {
			*buffer = (*buffer)[len(*buffer)-1:]
		} else {
			*buffer = (*buffer)[:0]
		}
		return nil
	}

	// Find JPEG end marker (FFD9)
	endRel := bytes.Index((*buffer)[startIdx+2:], []byte{0xFF, 0xD9})
	if endRel == -1 {
		return nil
	}
	endIdx := startIdx + 2 + endRel + 2

	// Extract frame
	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}

// Snapshot grabs a single JPEG frame from device with a one-shot ffmpeg run
func Snapshot(ctx context.Context, device string) ([]byte, error) {
	var args []string
	if strings.HasPrefix(device, "rtsp://") {
		args = []string{"-rtsp_transport", "tcp", "-i", device}
	} else if strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://") {
		args = []string{"-i", device}
	} else {
		args = []string{"-f", "v4l2", "-i", device}
	}
	args = append(args, "-vframes", "1", "-f", "mjpeg", "-q:v", "2", "-")

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w (stderr: %s)", err, stderr.String())
	}

	return stdout.Bytes(), nil
}
