package fsatomic

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func TestWriteFile_NoPartialReads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	payload := []byte(`{"key":"value"}`)
	if err := WriteFile(path, payload); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Errorf("got %q, want %q", got, payload)
	}

	// No temp residue after a successful write.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("got %d entries, want 1 (no temp residue)", len(entries))
	}
}

func TestWriteFile_Overwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cursor.json")

	if err := WriteFile(path, []byte("old")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(path, []byte("new")); err != nil {
		t.Fatal(err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "new" {
		t.Errorf("got %q, want %q", got, "new")
	}
}

func TestTouch_CreatesEmptySentinel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "_close")

	if err := Touch(path); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("sentinel size = %d, want 0", info.Size())
	}
}

func TestStreamName_LexicographicOrder(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	names := []string{
		StreamName(base.Add(2*time.Second), "aaaaaa"),
		StreamName(base, "ffffff"),
		StreamName(base.Add(time.Second), "000000"),
		StreamName(base, "000001"),
	}

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	// Creation order: base/000001 and base/ffffff (tie broken by hex),
	// then +1s, then +2s.
	want := []string{names[3], names[1], names[2], names[0]}
	for i := range sorted {
		if sorted[i] != want[i] {
			t.Fatalf("sorted[%d] = %s, want %s", i, sorted[i], want[i])
		}
	}
}

func TestParseStreamName(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	name := StreamName(ts, "ab12cd")

	got, ok := ParseStreamName(name + ".json")
	if !ok {
		t.Fatal("ParseStreamName returned false for valid name")
	}
	if !got.Equal(ts) {
		t.Errorf("got %v, want %v", got, ts)
	}

	if _, ok := ParseStreamName("_close"); ok {
		t.Error("sentinel should not parse as stream name")
	}
	if _, ok := ParseStreamName("garbage"); ok {
		t.Error("garbage should not parse as stream name")
	}
}

func TestListOrdered_SkipsTempAndDotfiles(t *testing.T) {
	dir := t.TempDir()

	files := []string{
		"0000000000002-aaaaaa.json",
		"0000000000001-bbbbbb.json",
		"0000000000003-cccccc.json.12345.tmp",
		".hidden",
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := ListOrdered(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"0000000000001-bbbbbb.json", "0000000000002-aaaaaa.json"}
	if len(got) != len(want) {
		t.Fatalf("got %d names %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestListOrdered_MissingDir(t *testing.T) {
	got, err := ListOrdered(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should not error, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

func TestCrashResidue_IgnoredOnSweep(t *testing.T) {
	dir := t.TempDir()

	// Simulate a crash between write and rename: only the temp remains.
	residue := filepath.Join(dir, "0000000000009-dead00.json.98765"+TempSuffix)
	if err := os.WriteFile(residue, []byte(`{"part`), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ListOrdered(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("sweep observed crash residue: %v", got)
	}
}
