// Package transcoder wraps an external media tool (spec §4.1) to
// transcode a downloaded source file into the channel's configured
// audio/video formats, and to probe a file's media properties.
package transcoder

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"relaypod/internal/apperr"
)

// MediaInfo is the subset of ffprobe-style output relaypod needs.
type MediaInfo struct {
	DurationSecs float64 `json:"duration_secs"`
	Format       string  `json:"format"`
}

// Transcoder invokes the configured transcoder binary as a subprocess.
type Transcoder struct {
	binary  string
	timeout time.Duration
}

// New builds a Transcoder that shells out to binary.
func New(binary string, timeout time.Duration) *Transcoder {
	return &Transcoder{binary: binary, timeout: timeout}
}

// TranscodeAudio converts srcPath into destPath at the given bitrate
// and sample rate (spec §6 audio settings); the output format follows
// destPath's extension.
func (t *Transcoder) TranscodeAudio(ctx context.Context, srcPath, destPath, bitrate, sampleRate string) error {
	return t.run(ctx,
		"-i", srcPath,
		"-vn",
		"-b:a", bitrate,
		"-ar", sampleRate,
		"-y", destPath,
	)
}

// TranscodeVideo converts srcPath into destPath using the channel's
// configured codec/quality (spec §6 video settings).
func (t *Transcoder) TranscodeVideo(ctx context.Context, srcPath, destPath, codec, quality string) error {
	return t.run(ctx,
		"-i", srcPath,
		"-c:v", codec,
		"-crf", quality,
		"-y", destPath,
	)
}

func (t *Transcoder) run(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.binary, args...)
	output, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return &apperr.TranscodeTimeoutError{After: t.timeout.String()}
	}
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return &apperr.TranscodeError{ExitCode: exitCode, Stderr: string(output)}
	}
	return nil
}

// ProbeMediaInfo reports duration and format for a media file by
// running `ffprobe` from PATH. The pipeline does not call it.
func (t *Transcoder) ProbeMediaInfo(ctx context.Context, path string) (*MediaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, &apperr.TranscodeTimeoutError{After: t.timeout.String()}
	}
	if err != nil {
		return nil, &apperr.TranscodeError{ExitCode: -1, Stderr: err.Error()}
	}

	var raw struct {
		Format struct {
			Duration   string `json:"duration"`
			FormatName string `json:"format_name"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, &apperr.ParseError{Line: string(out), Err: err}
	}
	var duration float64
	if _, err := fmt.Sscanf(raw.Format.Duration, "%f", &duration); err != nil {
		duration = 0
	}
	return &MediaInfo{DurationSecs: duration, Format: raw.Format.FormatName}, nil
}
