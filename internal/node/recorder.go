// SPDX-License-Identifier: MIT

package node

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/browsergrid/browsergrid/internal/log"
	"github.com/browsergrid/browsergrid/internal/storage"
)

const (
	recorderManifest = "recording/index.m3u8"
	recorderLog      = "recording/recorder.log"
	recorderStopWait = 10 * time.Second
)

// Recorder runs the HLS encoder subprocess for one session and
// registers its artifacts with the blob store: zero-size at start so
// the paths are discoverable, final sizes after the encoder exits.
type Recorder struct {
	SessionID string
	Input     string
	Dir       string
	Binary    string
	Framerate int
	Store     storage.Backend
	Logger    zerolog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	logFile *os.File
	exited  chan struct{}
}

// NewRecorder builds a recorder capturing input into dir.
func NewRecorder(sessionID, input, dir string, store storage.Backend) *Recorder {
	return &Recorder{
		SessionID: sessionID,
		Input:     input,
		Dir:       dir,
		Binary:    "ffmpeg",
		Framerate: 15,
		Store:     store,
		Logger:    log.WithComponent("recorder"),
	}
}

func (r *Recorder) argv() []string {
	return []string{
		"-y",
		"-loglevel", "warning",
		"-i", r.Input,
		"-r", strconv.Itoa(r.Framerate),
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-f", "hls",
		"-hls_time", "4",
		"-hls_list_size", "0",
		"-hls_playlist_type", "event",
		filepath.Join(r.Dir, "index.m3u8"),
	}
}

// Start registers the artifact paths and launches the encoder.
func (r *Recorder) Start(ctx context.Context) error {
	if err := os.MkdirAll(r.Dir, 0o750); err != nil {
		return fmt.Errorf("create recording dir: %w", err)
	}

	for _, path := range []string{recorderManifest, recorderLog} {
		if _, err := r.Store.Put(ctx, storage.Key(r.SessionID, path), nil); err != nil {
			return fmt.Errorf("register artifact %s: %w", path, err)
		}
	}

	logFile, err := os.Create(filepath.Join(r.Dir, "recorder.log"))
	if err != nil {
		return fmt.Errorf("create recorder log: %w", err)
	}

	cmd := exec.Command(r.Binary, r.argv()...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	stdin, err := cmd.StdinPipe()
	if err != nil {
		logFile.Close()
		return err
	}
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start recorder: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.logFile = logFile
	r.exited = make(chan struct{})
	go func() {
		defer close(r.exited)
		if err := cmd.Wait(); err != nil {
			r.Logger.Warn().Err(err).Msg("recorder exited")
		}
	}()
	return nil
}

// Stop asks the encoder to finalise the recording, uploads every
// produced file and returns the total recorded byte count.
func (r *Recorder) Stop(ctx context.Context) (int64, error) {
	if r.cmd == nil {
		return 0, nil
	}

	// "q" makes the encoder flush the playlist and exit cleanly.
	if _, err := io.WriteString(r.stdin, "q"); err != nil {
		r.Logger.Warn().Err(err).Msg("recorder stdin write failed")
	}
	_ = r.stdin.Close()
	select {
	case <-r.exited:
	case <-time.After(recorderStopWait):
		r.Logger.Warn().Msg("recorder did not exit, killing")
		_ = r.cmd.Process.Kill()
		<-r.exited
	}
	_ = r.logFile.Close()

	return r.upload(ctx)
}

func (r *Recorder) upload(ctx context.Context) (int64, error) {
	var total int64
	err := filepath.WalkDir(r.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(r.Dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		n, err := r.Store.Put(ctx, storage.Key(r.SessionID, "recording/"+filepath.ToSlash(rel)), data)
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("upload recording: %w", err)
	}
	return total, nil
}
