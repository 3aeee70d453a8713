// Package fetcher wraps an external channel-fetching tool (spec §4.1):
// enumerating a channel's items, probing a single item's metadata, and
// downloading its source media, all via a configurable subprocess
// whose stdout is parsed as JSON lines.
package fetcher

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"time"

	"relaypod/internal/apperr"
)

// EnumeratedItem is one row of channel-enumeration output (spec §3
// Item discovery fields).
type EnumeratedItem struct {
	VideoID      string `json:"video_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	ThumbnailURL string `json:"thumbnail_url"`
	DurationSecs *int64 `json:"duration_secs"`
	PublishedAt  string `json:"published_at"`
}

// Fetcher invokes the configured fetch binary as a subprocess.
type Fetcher struct {
	binary  string
	timeout time.Duration
}

// New builds a Fetcher that shells out to binary, killing the process
// if it runs longer than timeout.
func New(binary string, timeout time.Duration) *Fetcher {
	return &Fetcher{binary: binary, timeout: timeout}
}

// Enumerate lists the items currently published on a channel, in the
// order the tool prints them, by running `<binary> enumerate --url <url>` and decoding one
// JSON object per stdout line.
func (f *Fetcher) Enumerate(ctx context.Context, channelURL string) ([]EnumeratedItem, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.binary, "enumerate", "--url", channelURL)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &apperr.IOError{Op: "fetcher.enumerate.pipe", Path: f.binary, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &apperr.FetchError{ExitCode: -1, Stderr: err.Error()}
	}

	var items []EnumeratedItem
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var item EnumeratedItem
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			slog.Warn("fetcher: skipping unparseable enumerate line", "error", err)
			continue
		}
		items = append(items, item)
	}

	err = cmd.Wait()
	if ctx.Err() != nil {
		return nil, &apperr.FetchTimeoutError{After: f.timeout.String()}
	}
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return nil, &apperr.FetchError{ExitCode: exitCode, Stderr: err.Error()}
	}
	return items, nil
}

// Probe fetches full metadata for a single item, by video ID, ahead of
// download (spec §4.1 "probe before fetch").
func (f *Fetcher) Probe(ctx context.Context, videoID string) (*EnumeratedItem, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.binary, "probe", "--id", videoID)
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, &apperr.FetchTimeoutError{After: f.timeout.String()}
	}
	if err != nil {
		exitCode := -1
		stderr := err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			stderr = string(exitErr.Stderr)
		}
		return nil, &apperr.FetchError{ExitCode: exitCode, Stderr: stderr}
	}

	var item EnumeratedItem
	if err := json.Unmarshal(out, &item); err != nil {
		return nil, &apperr.ParseError{Line: string(out), Err: err}
	}
	return &item, nil
}

// Fetch downloads the source media for a video ID to destPath, by
// running `<binary> fetch --id <id> --output <path>` and killing the
// process as soon as ctx is cancelled or the fetcher's timeout elapses.
func (f *Fetcher) Fetch(ctx context.Context, videoID, destPath string) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.binary, "fetch", "--id", videoID, "--output", destPath)
	output, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return &apperr.FetchTimeoutError{After: f.timeout.String()}
	}
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return &apperr.FetchError{ExitCode: exitCode, Stderr: string(output)}
	}
	return nil
}
