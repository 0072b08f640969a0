package memstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"memvault/internal/codec"
	"memvault/internal/crypto"
	"memvault/internal/fsstore"
	"memvault/internal/journal"
)

// testKDF keeps Argon2id cheap enough for unit tests.
var testKDF = crypto.KDFParams{MemoryKiB: 64, TimeCost: 1, Parallelism: 1}

const testPass = "correct horse battery staple"

func testOptions() Options {
	return Options{KDF: testKDF}
}

func openStore(t *testing.T, dir string, opts Options) *Store {
	t.Helper()
	s, err := Open(context.Background(), dir, []byte(testPass), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "store")
	return openStore(t, dir, testOptions()), dir
}

func mustPut(t *testing.T, s *Store, id, kind string, payload any) uint64 {
	t.Helper()
	v, err := s.Put(context.Background(), Entry{ID: id, Kind: kind, Payload: payload})
	if err != nil {
		t.Fatalf("put %q: %v", id, err)
	}
	return v
}

func mustGet(t *testing.T, s *Store, id string) Entry {
	t.Helper()
	e, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %q: %v", id, err)
	}
	return e
}

func note(text string) map[string]any {
	return map[string]any{"text": text}
}

func TestCreateLayout(t *testing.T) {
	s, dir := newStore(t)
	for _, name := range []string{fsstore.HeaderFile, fsstore.ManifestFile, fsstore.ObjectsDir, fsstore.OrphansDir, fsstore.LockFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	st, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.StoreID == "" || st.Entries != 0 || st.KDF != testKDF {
		t.Fatalf("unexpected stats %+v", st)
	}
	if _, err := os.Stat(filepath.Join(dir, journal.FileName)); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("journal must not exist unless enabled")
	}
}

func TestRoundTripScenario(t *testing.T) {
	s, _ := newStore(t)

	if v := mustPut(t, s, "a", "note", note("hello")); v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}
	e := mustGet(t, s, "a")
	if e.Payload.(map[string]any)["text"] != "hello" {
		t.Fatalf("payload = %#v", e.Payload)
	}
	list, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "a" || list[0].Kind != "note" || list[0].Version != 1 {
		t.Fatalf("list = %+v", list)
	}
}

func TestRoundTripAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	s := openStore(t, dir, testOptions())

	payloads := map[string]any{
		"note":  note("hello"),
		"conv":  map[string]any{"turns": []any{"hi", "there"}, "n": int64(2), "score": 0.5},
		"blob":  []byte{0, 1, 2, 255},
		"empty": nil,
	}
	for id, p := range payloads {
		mustPut(t, s, id, "generic", p)
	}
	want := map[string]Entry{}
	for id := range payloads {
		want[id] = mustGet(t, s, id)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := openStore(t, dir, Options{})
	for id, p := range payloads {
		got := mustGet(t, s2, id)
		if !reflect.DeepEqual(got, want[id]) {
			t.Errorf("%s: got %+v, want %+v", id, got, want[id])
		}
		if !reflect.DeepEqual(got.Payload, p) {
			t.Errorf("%s payload: got %#v, want %#v", id, got.Payload, p)
		}
	}
}

func snapshotDir(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		if d.IsDir() {
			out[rel] = "dir"
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[rel] = crypto.Sum(b).String()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestWrongPassphrase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	s := openStore(t, dir, Options{KDF: testKDF, Journal: true})
	mustPut(t, s, "a", "note", note("hello"))
	s.Close()

	before := snapshotDir(t, dir)
	for range 3 {
		_, err := Open(context.Background(), dir, []byte("wrong"), Options{Journal: true})
		if !errors.Is(err, ErrAuth) {
			t.Fatalf("got %v, want ErrAuth", err)
		}
	}
	if after := snapshotDir(t, dir); !reflect.DeepEqual(before, after) {
		t.Fatalf("wrong passphrase changed the directory:\nbefore %v\nafter  %v", before, after)
	}

	s2 := openStore(t, dir, Options{})
	if got := mustGet(t, s2, "a"); got.Payload.(map[string]any)["text"] != "hello" {
		t.Fatalf("payload = %#v", got.Payload)
	}
}

func TestRepeatedPutsScenario(t *testing.T) {
	s, dir := newStore(t)
	for _, text := range []string{"X", "Y", "Z"} {
		mustPut(t, s, "a", "note", note(text))
	}
	e := mustGet(t, s, "a")
	if e.Version != 3 || e.Payload.(map[string]any)["text"] != "Z" {
		t.Fatalf("got version %d payload %#v", e.Version, e.Payload)
	}

	var files []string
	filepath.WalkDir(filepath.Join(dir, fsstore.ObjectsDir), func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if len(files) != 1 || filepath.Base(files[0]) != "a"+fsstore.BlobSuffix {
		t.Fatalf("objects = %v, want exactly a.blob", files)
	}
}

func TestTruncatedBlobScenario(t *testing.T) {
	s, _ := newStore(t)
	mustPut(t, s, "a", "note", note("a"))
	mustPut(t, s, "b", "note", note("b"))

	path := s.dir.BlobPath("b")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, info.Size()-4); err != nil {
		t.Fatal(err)
	}

	_, err = s.Get(context.Background(), "b")
	var ie *IntegrityError
	if !errors.As(err, &ie) || ie.ID != "b" || ie.Which != Tampered {
		t.Fatalf("got %v, want tampered IntegrityError", err)
	}
	if e := mustGet(t, s, "a"); e.Payload.(map[string]any)["text"] != "a" {
		t.Fatal("untouched entry changed")
	}
}

func TestVerifyHundredScenario(t *testing.T) {
	s, _ := newStore(t)
	for i := range 100 {
		mustPut(t, s, fmt.Sprintf("entry-%03d", i), "note", note(strconv.Itoa(i)))
	}
	rep, err := s.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := Report{OK: 100}
	if !reflect.DeepEqual(rep, want) {
		t.Fatalf("report = %+v, want %+v", rep, want)
	}
}

func TestGetNotFound(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := s.Delete(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete: got %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s, dir := newStore(t)
	mustPut(t, s, "a", "note", note("a"))
	mustPut(t, s, "b", "note", note("b"))
	if err := s.Delete(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(context.Background(), "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(s.dir.BlobPath("a")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("blob should be unlinked")
	}

	// A re-created id starts again at version 1.
	if v := mustPut(t, s, "a", "note", note("again")); v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}
	s.Close()
	s2 := openStore(t, dir, Options{})
	list, _ := s2.List()
	if len(list) != 2 {
		t.Fatalf("list after reopen = %+v", list)
	}
}

func TestClear(t *testing.T) {
	s, dir := newStore(t)
	for _, id := range []string{"a", "b", "c"} {
		mustPut(t, s, id, "note", note(id))
	}
	if err := s.Clear(context.Background()); err != nil {
		t.Fatal(err)
	}
	list, _ := s.List()
	if len(list) != 0 {
		t.Fatalf("list after clear = %+v", list)
	}
	rep, err := s.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Clean() || rep.OK != 0 {
		t.Fatalf("report after clear = %+v", rep)
	}
	s.Close()
	s2 := openStore(t, dir, Options{})
	if list, _ := s2.List(); len(list) != 0 {
		t.Fatalf("list after reopen = %+v", list)
	}
}

func TestListMatchesGet(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	ops := []struct {
		del bool
		id  string
	}{
		{false, "a"}, {false, "b"}, {false, "c"}, {true, "b"}, {false, "a"},
		{false, "d"}, {true, "a"}, {false, "b"},
	}
	for _, op := range ops {
		if op.del {
			if err := s.Delete(ctx, op.id); err != nil {
				t.Fatal(err)
			}
		} else {
			mustPut(t, s, op.id, "note", note(op.id))
		}
	}
	list, _ := s.List()
	var listed []string
	for _, m := range list {
		listed = append(listed, m.ID)
		if _, err := s.Get(ctx, m.ID); err != nil {
			t.Errorf("listed %q but get failed: %v", m.ID, err)
		}
	}
	if want := []string{"b", "c", "d"}; !reflect.DeepEqual(listed, want) {
		t.Fatalf("listed %v, want %v", listed, want)
	}
	for _, id := range []string{"a", "e"} {
		if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("%q: got %v, want ErrNotFound", id, err)
		}
	}
}

func TestTimestamps(t *testing.T) {
	clock := time.UnixMilli(1_000_000)
	opts := testOptions()
	opts.Now = func() time.Time { return clock }
	s := openStore(t, filepath.Join(t.TempDir(), "store"), opts)

	mustPut(t, s, "a", "note", note("1"))
	clock = clock.Add(time.Second)
	mustPut(t, s, "a", "note", note("2"))
	e := mustGet(t, s, "a")
	if e.CreatedAt != 1_000_000 || e.UpdatedAt != 1_001_000 {
		t.Fatalf("created=%d updated=%d", e.CreatedAt, e.UpdatedAt)
	}

	// A clock step backwards never makes updated_at go back.
	clock = clock.Add(-time.Hour)
	mustPut(t, s, "a", "note", note("3"))
	if e := mustGet(t, s, "a"); e.UpdatedAt != 1_001_000 || e.Version != 3 {
		t.Fatalf("updated=%d version=%d", e.UpdatedAt, e.Version)
	}
}

func TestInvalidEntries(t *testing.T) {
	s, _ := newStore(t)
	tests := []struct {
		name string
		e    Entry
		want error
	}{
		{"empty id", Entry{Kind: "note"}, ErrInvalidEntry},
		{"slash in id", Entry{ID: "a/b", Kind: "note"}, ErrInvalidEntry},
		{"dotdot", Entry{ID: "..", Kind: "note"}, ErrInvalidEntry},
		{"empty kind", Entry{ID: "a"}, ErrInvalidEntry},
		{"long kind", Entry{ID: "a", Kind: strings.Repeat("k", MaxKindLen+1)}, ErrInvalidEntry},
		{"bad utf8 kind", Entry{ID: "a", Kind: "\xff"}, ErrInvalidEntry},
		{"unsupported payload", Entry{ID: "a", Kind: "note", Payload: struct{}{}}, codec.ErrSchemaViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Put(context.Background(), tt.e); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
	if list, _ := s.List(); len(list) != 0 {
		t.Fatalf("rejected puts left entries: %+v", list)
	}
}

func TestOversizePayload(t *testing.T) {
	opts := testOptions()
	opts.MaxPayload = 1024
	s := openStore(t, filepath.Join(t.TempDir(), "store"), opts)
	_, err := s.Put(context.Background(), Entry{ID: "big", Kind: "doc", Payload: strings.Repeat("x", 2048)})
	var ce *CodecError
	if !errors.As(err, &ce) || ce.Kind != codec.Oversize {
		t.Fatalf("got %v, want oversize CodecError", err)
	}
	if _, err := os.Stat(s.dir.PendingPath("big")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("oversize payload must be rejected before anything is written")
	}
}

func TestSecondOpenIsLocked(t *testing.T) {
	_, dir := newStore(t)
	_, err := Open(context.Background(), dir, []byte(testPass), Options{})
	if !errors.Is(err, fsstore.ErrLocked) {
		t.Fatalf("got %v, want locked StoreError", err)
	}
}

func TestClosedStore(t *testing.T) {
	s, _ := newStore(t)
	mustPut(t, s, "a", "note", note("a"))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !s.key.Destroyed() {
		t.Fatal("close must zeroize the key")
	}
	ctx := context.Background()
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrClosed) {
		t.Errorf("get: %v", err)
	}
	if _, err := s.Put(ctx, Entry{ID: "b", Kind: "note"}); !errors.Is(err, ErrClosed) {
		t.Errorf("put: %v", err)
	}
	if _, err := s.List(); !errors.Is(err, ErrClosed) {
		t.Errorf("list: %v", err)
	}
	if _, err := s.Verify(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("verify: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestUnsupportedFormatVersion(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	os.MkdirAll(dir, 0o700)
	os.WriteFile(filepath.Join(dir, fsstore.HeaderFile), []byte(`{"format_version": 9}`), 0o600)

	_, err := Open(context.Background(), dir, []byte(testPass), Options{})
	if !errors.Is(err, fsstore.ErrFormatVersionUnsupported) {
		t.Fatalf("got %v, want format_version_unsupported", err)
	}
}

func TestInvalidKDFParamsOnCreate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	_, err := Open(context.Background(), dir, []byte(testPass), Options{KDF: crypto.KDFParams{MemoryKiB: 1, TimeCost: 1, Parallelism: 1}})
	if !errors.Is(err, crypto.ErrKDFInvalidParams) {
		t.Fatalf("got %v, want KDFError invalid_params", err)
	}
	if _, err := os.Stat(filepath.Join(dir, fsstore.HeaderFile)); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("failed create must not write a header")
	}
}

func TestOpenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Open(ctx, filepath.Join(t.TempDir(), "store"), []byte(testPass), testOptions()); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestJournal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	s := openStore(t, dir, Options{KDF: testKDF, Journal: true})
	ctx := context.Background()
	mustPut(t, s, "a", "note", note("a"))
	mustPut(t, s, "a", "note", note("b"))
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Verify(ctx); err != nil {
		t.Fatal(err)
	}

	evs, err := s.Journal(0)
	if err != nil {
		t.Fatal(err)
	}
	var ops []journal.Op
	for _, ev := range evs {
		ops = append(ops, ev.Op)
	}
	want := []journal.Op{journal.OpCreate, journal.OpPut, journal.OpPut, journal.OpDelete, journal.OpVerify}
	if !reflect.DeepEqual(ops, want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	if evs[2].Version != 2 {
		t.Fatalf("second put version = %d", evs[2].Version)
	}
}

func TestStatsCountsWrites(t *testing.T) {
	s, _ := newStore(t)
	before, _ := s.Stats()
	mustPut(t, s, "a", "note", note("a"))
	after, _ := s.Stats()
	// One seal for the blob, one for the manifest.
	if after.Writes != before.Writes+2 {
		t.Fatalf("writes %d -> %d", before.Writes, after.Writes)
	}
	if after.Entries != 1 || after.ManifestDigest == before.ManifestDigest {
		t.Fatalf("stats = %+v", after)
	}
}
