package filehandler

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// VideoInfo holds the stream properties needed to decode raw frames.
type VideoInfo struct {
	Width     int
	Height    int
	FrameRate float64
	Frames    int
	Duration  time.Duration
	Codec     string
}

// CheckFFmpegAvailable reports whether ffmpeg and ffprobe are on PATH.
func CheckFFmpegAvailable() error {
	for _, tool := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("%s not found in PATH: install FFmpeg with: brew install ffmpeg (macOS) or apt install ffmpeg (Linux)", tool)
		}
	}
	return nil
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

type ffprobeStream struct {
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`
	NbFrames   string `json:"nb_frames"`
}

// ProbeVideo reads the first video stream's properties with ffprobe.
func ProbeVideo(ctx context.Context, filePath string) (*VideoInfo, error) {
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-select_streams", "v:0",
		filePath,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbe(output)
}

func parseProbe(output []byte) (*VideoInfo, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := &VideoInfo{}
	for _, stream := range probe.Streams {
		if stream.CodecType != "video" {
			continue
		}
		info.Width = stream.Width
		info.Height = stream.Height
		info.Codec = stream.CodecName
		info.FrameRate = parseFrameRate(stream.RFrameRate)
		info.Frames, _ = strconv.Atoi(stream.NbFrames)
		break
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("no video stream with valid dimensions")
	}
	if probe.Format.Duration != "" {
		if dur, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
			info.Duration = time.Duration(dur * float64(time.Second))
		}
	}

	log.Debug().
		Int("width", info.Width).
		Int("height", info.Height).
		Float64("frame_rate", info.FrameRate).
		Int("frames", info.Frames).
		Str("codec", info.Codec).
		Msg("Video probed")
	return info, nil
}

// parseFrameRate parses frame rate from ffprobe format (e.g., "60/1" -> 60.0)
func parseFrameRate(value string) float64 {
	parts := strings.Split(value, "/")
	if len(parts) == 2 {
		num, _ := strconv.ParseFloat(parts[0], 64)
		den, _ := strconv.ParseFloat(parts[1], 64)
		if den != 0 {
			return num / den
		}
	}
	rate, _ := strconv.ParseFloat(value, 64)
	return rate
}
