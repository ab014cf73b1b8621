package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewStore(StoreConfig{
		Root:   t.TempDir(),
		Logger: logger,
	})
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(data), "\n"), "listing %q must end with a newline", data)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	sort.Strings(lines)
	return lines
}

func TestUserDir(t *testing.T) {
	store := NewStore(StoreConfig{Root: "/srv/backup"})
	assert.Equal(t, filepath.Join("/srv/backup", "7"), store.UserDir(7))
	assert.Equal(t, filepath.Join("/srv/backup", "4294967295"), store.UserDir(0xFFFFFFFF))
}

func TestRandomListName(t *testing.T) {
	valid := regexp.MustCompile(`^[A-Za-z0-9]{32}$`)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		name, err := RandomListName()
		require.NoError(t, err)
		assert.Regexp(t, valid, name)
		assert.False(t, seen[name], "duplicate name %s", name)
		seen[name] = true
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"notes.txt", false},
		{"..hidden", false},
		{"with space.bin", false},
		{"", true},
		{".", true},
		{"..", true},
		{"../escape", true},
		{"sub/dir", true},
		{`back\slash`, true},
		{"nul\x00byte", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStoreWriteRead(t *testing.T) {
	store := newTestStore(t)

	n, err := store.Write(7, "notes.txt", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	onDisk, err := os.ReadFile(filepath.Join(store.Root, "7", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(onDisk))

	assert.True(t, store.Has(7, "notes.txt"))
	assert.False(t, store.Has(8, "notes.txt"))

	// overwrite
	_, err = store.Write(7, "notes.txt", bytes.NewReader([]byte("hi")))
	require.NoError(t, err)
	data, err := store.Read(7, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), data)
}

func TestStoreWriteEmptyFile(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Write(1, "empty", bytes.NewReader(nil))
	require.NoError(t, err)

	data, err := store.Read(1, "empty")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestStoreReadMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Read(7, "missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRejectsTraversal(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Write(7, "../../escape.txt", bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = os.Stat(filepath.Join(filepath.Dir(store.Root), "escape.txt"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestStoreDeleteIdempotent(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Write(7, "a.txt", bytes.NewReader([]byte("a")))
	require.NoError(t, err)

	require.NoError(t, store.Delete(7, "a.txt"))
	assert.False(t, store.Has(7, "a.txt"))

	// already gone, and a user that never stored anything
	assert.NoError(t, store.Delete(7, "a.txt"))
	assert.NoError(t, store.Delete(99, "a.txt"))
}

func TestStoreList(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"a.txt", "b.bin"} {
		_, err := store.Write(7, name, bytes.NewReader([]byte(name)))
		require.NoError(t, err)
	}
	// directories are not listed
	require.NoError(t, os.Mkdir(filepath.Join(store.UserDir(7), "subdir"), 0755))

	listName, err := store.List(7)
	require.NoError(t, err)
	assert.Regexp(t, `^[A-Za-z0-9]{32}\.txt$`, listName)

	lines := readLines(t, filepath.Join(store.UserDir(7), listName))
	assert.Equal(t, []string{"a.txt", "b.bin"}, lines)
	assert.NotContains(t, lines, listName)
}

func TestStoreListSingleFile(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Write(7, "notes.txt", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)

	listName, err := store.List(7)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(store.UserDir(7), listName))
	require.NoError(t, err)
	assert.Equal(t, "notes.txt\n", string(data))
}

func TestStoreListEmpty(t *testing.T) {
	store := newTestStore(t)

	// missing user directory
	_, err := store.List(7)
	assert.ErrorIs(t, err, ErrNoFiles)

	// existing but empty user directory
	require.NoError(t, os.MkdirAll(store.UserDir(8), 0755))
	_, err = store.List(8)
	assert.ErrorIs(t, err, ErrNoFiles)

	entries, err := os.ReadDir(store.UserDir(8))
	require.NoError(t, err)
	assert.Empty(t, entries, "no list file may be left behind")
}

func TestStoreListUsesRandomName(t *testing.T) {
	store := newTestStore(t)
	store.RandomName = func() (string, error) { return "fixedlistname", nil }

	_, err := store.Write(3, "x", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	listName, err := store.List(3)
	require.NoError(t, err)
	assert.Equal(t, "fixedlistname.txt", listName)

	// a name collision is a storage failure, never an overwrite
	_, err = store.List(3)
	var serr *StorageError
	assert.ErrorAs(t, err, &serr)
}

func TestStoreListRandomNameFailure(t *testing.T) {
	store := newTestStore(t)
	store.RandomName = func() (string, error) { return "", errors.New("entropy exhausted") }

	_, err := store.Write(3, "x", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	_, err = store.List(3)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "list", serr.Op)
	assert.Equal(t, uint32(3), serr.UserID)
}
