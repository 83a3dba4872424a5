package filewatcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightforgemedia/go-bidsocket/pkg/identity"
	"github.com/lightforgemedia/go-bidsocket/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectChange(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for change to %s", want)
	}
}

func expectQuiet(t *testing.T, ch <-chan string, d time.Duration) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected change notification for %s", got)
	case <-time.After(d):
	}
}

func TestWatchIdentityFiles(t *testing.T) {
	dir := t.TempDir()
	sessionPath := filepath.Join(dir, "session", "identity.json")
	localPath := filepath.Join(dir, "local", "identity.json")

	fw, err := New(
		WithLogger(testutil.Logger()),
		WithFiles(sessionPath, localPath, ""),
		WithDebounce(50*time.Millisecond),
	)
	require.NoError(t, err)

	changes := make(chan string, 10)
	fw.AddCallback(func(file string) { changes <- file })
	require.NoError(t, fw.Start(), "missing parent dirs are created")
	defer fw.Stop()

	store := identity.NewFileStore(sessionPath, localPath, testutil.Logger())
	require.NoError(t, store.Save(identity.ScopeLocal, identity.Identity{Role: "sales", EmpID: "E1"}))
	expectChange(t, changes, localPath)
	expectQuiet(t, changes, 150*time.Millisecond)

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "local", "other.json"), []byte("{}"), 0o600))
	expectQuiet(t, changes, 200*time.Millisecond)

	require.NoError(t, store.Clear(identity.ScopeLocal))
	expectChange(t, changes, localPath)
}

func TestDebounceCoalescesBursts(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "identity.json")

	fw, err := New(WithLogger(testutil.Logger()), WithFiles(file), WithDebounce(100*time.Millisecond))
	require.NoError(t, err)
	changes := make(chan string, 10)
	fw.AddCallback(func(f string) { changes <- f })
	require.NoError(t, fw.Start())
	defer fw.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(file, []byte(`{"empId":"E1"}`), 0o600))
		time.Sleep(10 * time.Millisecond)
	}
	expectChange(t, changes, file)
	expectQuiet(t, changes, 300*time.Millisecond)
}

func TestWatchDirWithPatterns(t *testing.T) {
	dir := t.TempDir()
	fw, err := New(
		WithLogger(testutil.Logger()),
		WithDirs([]string{dir}),
		WithPatterns([]string{"*.json"}),
		WithDebounce(50*time.Millisecond),
	)
	require.NoError(t, err)
	changes := make(chan string, 10)
	fw.AddCallback(func(f string) { changes <- f })
	require.NoError(t, fw.Start())
	defer fw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	expectQuiet(t, changes, 200*time.Millisecond)

	target := filepath.Join(dir, "identity.json")
	require.NoError(t, os.WriteFile(target, []byte("{}"), 0o600))
	expectChange(t, changes, target)
}

func TestStartWithoutTargets(t *testing.T) {
	fw, err := New(WithLogger(testutil.Logger()))
	require.NoError(t, err)
	assert.ErrorIs(t, fw.Start(), ErrNothingToWatch)
	assert.NoError(t, fw.Stop())
	assert.NoError(t, fw.Stop())
}
