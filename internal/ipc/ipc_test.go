package ipc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/warden/pkg/wire"
)

func TestDirsEnsureAllAndReset(t *testing.T) {
	root := NewRoot(t.TempDir())
	dirs := root.Workspace("family")

	if err := dirs.EnsureAll(); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{dirs.Input(), dirs.Output(), dirs.Tasks(), dirs.Responses(),
		dirs.PendingApprovals(), dirs.ApprovalDecisions(), dirs.MergeResults()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("missing dir %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}

	// Reset clears streams but keeps pending approvals.
	if err := os.WriteFile(filepath.Join(dirs.Input(), "001.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	approval := filepath.Join(dirs.PendingApprovals(), "req-1.json")
	if err := os.WriteFile(approval, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := dirs.Reset(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dirs.Input(), "001.json")); !os.IsNotExist(err) {
		t.Error("input stream not cleared by reset")
	}
	if _, err := os.Stat(approval); err != nil {
		t.Error("pending approval removed by reset")
	}
}

func TestWriterInputOrderingAndClose(t *testing.T) {
	dirs := NewRoot(t.TempDir()).Workspace("ws")
	if err := dirs.EnsureAll(); err != nil {
		t.Fatal(err)
	}
	w := NewWriter(dirs)

	var names []string
	for i := 0; i < 3; i++ {
		name, err := w.WriteInput(&wire.InputEvent{Type: wire.InputMessage, Text: "hi"})
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		if !(names[i-1] <= names[i]) {
			t.Errorf("input names out of order: %q then %q", names[i-1], names[i])
		}
	}

	if err := w.WriteClose(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dirs.Input(), wire.CloseSentinel)); err != nil {
		t.Errorf("close sentinel missing: %v", err)
	}
}

func TestWriteResponseAtMostOnce(t *testing.T) {
	dirs := NewRoot(t.TempDir()).Workspace("ws")
	if err := dirs.EnsureAll(); err != nil {
		t.Fatal(err)
	}
	w := NewWriter(dirs)

	if w.HasResponse("req-1") {
		t.Fatal("phantom response before write")
	}
	written, err := w.WriteResponse("req-1", wire.OKResponse("done"))
	if err != nil {
		t.Fatal(err)
	}
	if !written {
		t.Fatal("first response not written")
	}
	if !w.HasResponse("req-1") {
		t.Fatal("HasResponse false after write")
	}

	// Second write for the same id must leave the original reply alone.
	written, err = w.WriteResponse("req-1", wire.ErrResponse("should not land"))
	if err != nil {
		t.Fatal(err)
	}
	if written {
		t.Error("duplicate response reported written")
	}
	data, err := os.ReadFile(dirs.ResponseFile("req-1"))
	if err != nil {
		t.Fatal(err)
	}
	var resp wire.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "" {
		t.Errorf("original response overwritten: %+v", resp)
	}
}

func TestReadTaskValidation(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "t1.json")
	os.WriteFile(good, []byte(`{"type":"service:list_tasks","request_id":"r1","data":{"extra":"ignored"}}`), 0o644)
	req, err := ReadTask(good)
	if err != nil {
		t.Fatal(err)
	}
	if req.Type != "service:list_tasks" || req.RequestID != "r1" {
		t.Errorf("parsed %+v", req)
	}

	missing := filepath.Join(dir, "t2.json")
	os.WriteFile(missing, []byte(`{"type":"service:list_tasks"}`), 0o644)
	if _, err := ReadTask(missing); err == nil {
		t.Error("accepted task without request_id")
	}

	garbage := filepath.Join(dir, "t3.json")
	os.WriteFile(garbage, []byte(`{not json`), 0o644)
	if _, err := ReadTask(garbage); err == nil {
		t.Error("accepted malformed task")
	}
}

func TestDirWatcherDeliversInOrderExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	w := NewDirWatcher(dir, WatchConfig{Debounce: 20 * time.Millisecond, Rescan: 100 * time.Millisecond})

	// Files present before Start are delivered by the initial sweep.
	os.WriteFile(filepath.Join(dir, "0000000000002-bbbbbb.json"), []byte("{}"), 0o644)
	os.WriteFile(filepath.Join(dir, "0000000000001-aaaaaa.json"), []byte("{}"), 0o644)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	collect := func(want int) []string {
		t.Helper()
		var got []string
		deadline := time.After(5 * time.Second)
		for len(got) < want {
			select {
			case batch, ok := <-w.Batches():
				if !ok {
					t.Fatalf("watcher closed early, got %v", got)
				}
				got = append(got, batch...)
			case <-deadline:
				t.Fatalf("timeout, got %v, want %d files", got, want)
			}
		}
		return got
	}

	got := collect(2)
	if filepath.Base(got[0]) != "0000000000001-aaaaaa.json" || filepath.Base(got[1]) != "0000000000002-bbbbbb.json" {
		t.Errorf("initial batch out of order: %v", got)
	}

	// New files are picked up; temp residue is not.
	os.WriteFile(filepath.Join(dir, "0000000000003-cccccc.json"), []byte("{}"), 0o644)
	os.WriteFile(filepath.Join(dir, "0000000000004-dddddd.json.123.tmp"), []byte("partial"), 0o644)

	got = collect(1)
	if filepath.Base(got[0]) != "0000000000003-cccccc.json" {
		t.Errorf("got %v", got)
	}

	// Nothing further should arrive for the temp file.
	select {
	case batch := <-w.Batches():
		t.Errorf("unexpected delivery: %v", batch)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDirWatcherRedeliversNothingAfterConsume(t *testing.T) {
	dir := t.TempDir()
	w := NewDirWatcher(dir, WatchConfig{Debounce: 20 * time.Millisecond, Rescan: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "0000000000001-aaaaaa.json")
	os.WriteFile(path, []byte("{}"), 0o644)

	select {
	case batch := <-w.Batches():
		if len(batch) != 1 {
			t.Fatalf("batch = %v", batch)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("file never delivered")
	}

	if err := Consume(path); err != nil {
		t.Fatal(err)
	}
	// Several rescan periods: the consumed file must not come back.
	select {
	case batch := <-w.Batches():
		t.Errorf("redelivered after consume: %v", batch)
	case <-time.After(300 * time.Millisecond):
	}
}
