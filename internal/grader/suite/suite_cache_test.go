package suite_test

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"autograder/internal/common/storage"
	"autograder/internal/grader/model"
	"autograder/internal/grader/suite"
	pkgerrors "autograder/pkg/errors"
)

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
}

func (f *fakeStorage) GetObject(ctx context.Context, bucket, objectKey string) (storage.ObjectReader, error) {
	data, ok := f.objects[bucket+"/"+objectKey]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.NotFound).WithMessage("object not found")
	}
	f.mu.Lock()
	f.gets++
	f.mu.Unlock()
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStorage) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeStorage) PutObject(ctx context.Context, bucket, objectKey string, reader storage.ObjectReader, sizeBytes int64, contentType string) error {
	return nil
}

func (f *fakeStorage) StatObject(ctx context.Context, bucket, objectKey string) (storage.ObjectStat, error) {
	return storage.ObjectStat{}, nil
}

func (f *fakeStorage) RemoveObjects(ctx context.Context, bucket string, keys []string) error {
	return nil
}

type fakeLock struct {
	denied bool
}

func (f *fakeLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return !f.denied, nil
}

func (f *fakeLock) Unlock(ctx context.Context, key string) error { return nil }

func (f *fakeLock) ExtendLock(ctx context.Context, key string, ttl time.Duration) error { return nil }

// singleHolderLock grants the lock to one caller at a time, the way the
// real redis lock behaves between graders.
type singleHolderLock struct {
	mu   sync.Mutex
	held bool
}

func (l *singleHolderLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *singleHolderLock) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
	return nil
}

func (l *singleHolderLock) ExtendLock(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

// buildSuiteArchive packs the given files into a .tar.zst blob.
func buildSuiteArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("create zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)
	for name, content := range files {
		hdr := &tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write tar body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zstd: %v", err)
	}
	return buf.Bytes()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func testMeta(suiteHash string) model.AssignmentMeta {
	return model.AssignmentMeta{
		AssignmentID: 7,
		Version:      2,
		ManifestHash: "m1",
		SuiteKey:     "suites/7/2.tar.zst",
		SuiteHash:    suiteHash,
		Gradable:     true,
	}
}

func TestSuiteCacheDownloadAndExtract(t *testing.T) {
	archive := buildSuiteArchive(t, map[string]string{
		"suite.json":   `{"assignmentId":7,"version":2,"tests":[{"id":"t1","input":"tests/t1.in","expected":"tests/t1.out"}]}`,
		"tests/t1.in":  "1 2\n",
		"tests/t1.out": "3\n",
	})
	st := &fakeStorage{objects: map[string][]byte{"autograder/suites/7/2.tar.zst": archive}}
	c := suite.NewSuiteCache(t.TempDir(), time.Minute, time.Second, 8, 0, "autograder", st, &fakeLock{})

	dir, err := c.Get(context.Background(), testMeta(sha256Hex(archive)))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "tests", "t1.in"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(data) != "1 2\n" {
		t.Fatalf("unexpected file content %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "suite.json")); err != nil {
		t.Fatalf("manifest must be present: %v", err)
	}

	// second fetch must hit the cache, not storage
	if _, err := c.Get(context.Background(), testMeta(sha256Hex(archive))); err != nil {
		t.Fatalf("second get failed: %v", err)
	}
	if st.gets != 1 {
		t.Fatalf("expected one download, got %d", st.gets)
	}
}

func TestSuiteCacheHashMismatch(t *testing.T) {
	archive := buildSuiteArchive(t, map[string]string{"suite.json": "{}"})
	st := &fakeStorage{objects: map[string][]byte{"autograder/suites/7/2.tar.zst": archive}}
	c := suite.NewSuiteCache(t.TempDir(), time.Minute, time.Second, 8, 0, "autograder", st, &fakeLock{})

	_, err := c.Get(context.Background(), testMeta("deadbeef"))
	if err == nil {
		t.Fatalf("expected hash mismatch error")
	}
	if code := pkgerrors.GetCode(err); code != pkgerrors.SuiteHashMismatch {
		t.Fatalf("expected SuiteHashMismatch, got %v", code)
	}
}

func TestSuiteCacheMissingManifest(t *testing.T) {
	archive := buildSuiteArchive(t, map[string]string{"tests/t1.in": "1\n"})
	st := &fakeStorage{objects: map[string][]byte{"autograder/suites/7/2.tar.zst": archive}}
	c := suite.NewSuiteCache(t.TempDir(), time.Minute, time.Second, 8, 0, "autograder", st, &fakeLock{})

	_, err := c.Get(context.Background(), testMeta(sha256Hex(archive)))
	if err == nil {
		t.Fatalf("expected error for archive without manifest")
	}
	if code := pkgerrors.GetCode(err); code != pkgerrors.SuiteManifestInvalid {
		t.Fatalf("expected SuiteManifestInvalid, got %v", code)
	}
}

func TestSuiteCacheRejectsEscapingEntries(t *testing.T) {
	archive := buildSuiteArchive(t, map[string]string{"../evil.txt": "x"})
	st := &fakeStorage{objects: map[string][]byte{"autograder/suites/7/2.tar.zst": archive}}
	c := suite.NewSuiteCache(t.TempDir(), time.Minute, time.Second, 8, 0, "autograder", st, &fakeLock{})

	_, err := c.Get(context.Background(), testMeta(sha256Hex(archive)))
	if err == nil {
		t.Fatalf("expected error for path traversal entry")
	}
	if code := pkgerrors.GetCode(err); code != pkgerrors.SuiteUnpackFailed {
		t.Fatalf("expected SuiteUnpackFailed, got %v", code)
	}
}

func TestSuiteCacheConcurrentGetDownloadsOnce(t *testing.T) {
	archive := buildSuiteArchive(t, map[string]string{
		"suite.json":  `{"assignmentId":7,"version":2,"tests":[{"id":"t1","input":"tests/t1.in","expected":"tests/t1.out"}]}`,
		"tests/t1.in": "1 2\n",
	})
	st := &fakeStorage{objects: map[string][]byte{"autograder/suites/7/2.tar.zst": archive}}
	c := suite.NewSuiteCache(t.TempDir(), time.Minute, 5*time.Second, 8, 0, "autograder", st, &singleHolderLock{})

	const callers = 6
	dirs := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dirs[i], errs[i] = c.Get(context.Background(), testMeta(sha256Hex(archive)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("get %d failed: %v", i, errs[i])
		}
		if dirs[i] != dirs[0] {
			t.Fatalf("get %d returned %s, want %s", i, dirs[i], dirs[0])
		}
	}
	if got := st.getCount(); got != 1 {
		t.Fatalf("expected exactly one download across concurrent gets, got %d", got)
	}
}

func TestSuiteCacheLockContentionTimesOut(t *testing.T) {
	archive := buildSuiteArchive(t, map[string]string{"suite.json": "{}"})
	st := &fakeStorage{objects: map[string][]byte{"autograder/suites/7/2.tar.zst": archive}}
	c := suite.NewSuiteCache(t.TempDir(), time.Minute, 300*time.Millisecond, 8, 0, "autograder", st, &fakeLock{denied: true})

	_, err := c.Get(context.Background(), testMeta(sha256Hex(archive)))
	if err == nil {
		t.Fatalf("expected timeout when another grader holds the lock")
	}
	if code := pkgerrors.GetCode(err); code != pkgerrors.Timeout {
		t.Fatalf("expected Timeout, got %v", code)
	}
	if st.gets != 0 {
		t.Fatalf("no download should happen without the lock, got %d", st.gets)
	}
}

func TestSuiteCacheValidatesMeta(t *testing.T) {
	c := suite.NewSuiteCache(t.TempDir(), time.Minute, time.Second, 8, 0, "autograder", &fakeStorage{}, &fakeLock{})
	_, err := c.Get(context.Background(), model.AssignmentMeta{})
	if err == nil {
		t.Fatalf("expected error for empty meta")
	}
}
