package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/warden/internal/fsatomic"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

// Writer performs the host-side writes into one workspace's exchange
// directories. Every write is atomic so the worker never observes a
// partial file.
type Writer struct {
	dirs Dirs
}

func NewWriter(dirs Dirs) *Writer {
	return &Writer{dirs: dirs}
}

// WriteInput appends one event to the input stream and returns the
// stream name it was filed under.
func (w *Writer) WriteInput(ev *wire.InputEvent) (string, error) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	name := fsatomic.NextStreamName()
	if err := fsatomic.WriteJSON(filepath.Join(w.dirs.Input(), name+".json"), ev); err != nil {
		return "", fmt.Errorf("write input event: %w", err)
	}
	return name, nil
}

// WriteClose drops the terminal sentinel into the input stream. The
// worker winds down after draining everything named before it.
func (w *Writer) WriteClose() error {
	return fsatomic.Touch(filepath.Join(w.dirs.Input(), wire.CloseSentinel))
}

// WriteResponse files the reply for one request id. The response file
// doubles as the at-most-once marker, so an existing file is left
// untouched and reported.
func (w *Writer) WriteResponse(requestID string, resp wire.Response) (written bool, err error) {
	path := w.dirs.ResponseFile(requestID)
	if _, statErr := os.Stat(path); statErr == nil {
		return false, nil
	}
	if err := fsatomic.WriteJSON(path, resp); err != nil {
		return false, fmt.Errorf("write response %s: %w", requestID, err)
	}
	return true, nil
}

// HasResponse reports whether a request id has already been answered.
func (w *Writer) HasResponse(requestID string) bool {
	_, err := os.Stat(w.dirs.ResponseFile(requestID))
	return err == nil
}

// WriteMergeResult files a generic host-to-worker payload under the
// given name.
func (w *Writer) WriteMergeResult(name string, v any) error {
	return fsatomic.WriteJSON(filepath.Join(w.dirs.MergeResults(), name+".json"), v)
}

// WriteCurrentTasks atomically replaces the task snapshot the worker
// reads to answer "what is scheduled".
func (w *Writer) WriteCurrentTasks(v any) error {
	return fsatomic.WriteJSON(w.dirs.CurrentTasksFile(), v)
}

// WriteAvailableWorkspaces atomically replaces the workspace roster
// snapshot.
func (w *Writer) WriteAvailableWorkspaces(v any) error {
	return fsatomic.WriteJSON(w.dirs.AvailableWorkspacesFile(), v)
}
