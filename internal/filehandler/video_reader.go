package filehandler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// VideoReader decodes a video as a forward-only sequence of RGB frames.
// ffmpeg writes rgb24 raw video to a pipe; each Next call reads exactly one
// frame. There is no seeking.
type VideoReader struct {
	path   string
	width  int
	height int
	index  int

	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader
	stderr *bytes.Buffer
	cancel context.CancelFunc
	buf    []byte
}

// OpenVideo probes path and starts an ffmpeg decoder for it.
func OpenVideo(ctx context.Context, path string) (*VideoReader, error) {
	info, err := ProbeVideo(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open video %s: %w", filepath.Base(path), err)
	}

	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: frame decoding requires ffmpeg: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	// ffmpeg -i input -f rawvideo -pix_fmt rgb24 pipe:1
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-v", "error",
		"-i", path,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-vsync", "passthrough",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	log.Debug().
		Str("video", filepath.Base(path)).
		Int("width", info.Width).
		Int("height", info.Height).
		Msg("Video decoder started")

	return &VideoReader{
		path:   path,
		width:  info.Width,
		height: info.Height,
		cmd:    cmd,
		stdout: stdout,
		reader: bufio.NewReaderSize(stdout, 1<<20),
		stderr: stderr,
		cancel: cancel,
		buf:    make([]byte, info.Width*info.Height*3),
	}, nil
}

// NewRawFrameReader decodes rgb24 frames of the given size from r. It is the
// decoding half of VideoReader without the ffmpeg process.
func NewRawFrameReader(r io.Reader, width, height int) *VideoReader {
	return &VideoReader{
		width:  width,
		height: height,
		reader: bufio.NewReader(r),
		buf:    make([]byte, width*height*3),
	}
}

// Next returns the next frame, or io.EOF once the stream is exhausted.
// A trailing partial frame is treated as end of stream.
func (v *VideoReader) Next() (image.Image, error) {
	if _, err := io.ReadFull(v.reader, v.buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame %d: %w", v.index, err)
	}

	img := image.NewRGBA(image.Rect(0, 0, v.width, v.height))
	for i, j := 0, 0; i < len(v.buf); i, j = i+3, j+4 {
		img.Pix[j] = v.buf[i]
		img.Pix[j+1] = v.buf[i+1]
		img.Pix[j+2] = v.buf[i+2]
		img.Pix[j+3] = 0xff
	}
	v.index++
	return img, nil
}

// FramesRead returns how many frames Next has returned.
func (v *VideoReader) FramesRead() int {
	return v.index
}

// Close stops the decoder and releases its resources.
func (v *VideoReader) Close() error {
	if v.cmd == nil {
		return nil
	}
	v.cancel()
	v.stdout.Close()
	err := v.cmd.Wait()
	v.cmd = nil
	if err != nil && v.stderr.Len() > 0 {
		log.Debug().Str("video", filepath.Base(v.path)).Str("stderr", v.stderr.String()).Msg("ffmpeg exited")
	}
	return nil
}
