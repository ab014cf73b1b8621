package main

import (
	"bufio"
	cryptorand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	listNameLength = 32
	listNameSuffix = ".txt"
	listCharset    = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrNoFiles     = errors.New("no files for user")
	ErrInvalidName = errors.New("invalid file name")
)

// StorageError wraps a file system failure with the request it belongs to.
type StorageError struct {
	Op     string
	UserID uint32
	Name   string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s user=%d file=%q: %v", e.Op, e.UserID, e.Name, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RandomNameFunc produces the base name of a list artifact, without suffix.
type RandomNameFunc func() (string, error)

// RandomListName returns listNameLength characters drawn from [A-Za-z0-9]
// using crypto/rand.
func RandomListName() (string, error) {
	limit := big.NewInt(int64(len(listCharset)))
	bs := make([]byte, listNameLength)
	for i := range bs {
		n, err := cryptorand.Int(cryptorand.Reader, limit)
		if err != nil {
			return "", err
		}
		bs[i] = listCharset[n.Int64()]
	}
	return string(bs), nil
}

type StoreConfig struct {
	// Root holds one sub-directory per user
	Root     string
	FileMode os.FileMode
	DirMode  os.FileMode
	// RandomName generates list artifact names, RandomListName when nil
	RandomName RandomNameFunc
	Logger     logrus.FieldLogger
}

// Store keeps every user's files under Root/<user id>/<name>.
type Store struct {
	StoreConfig
}

func NewStore(opts StoreConfig) *Store {
	if opts.FileMode == 0 {
		opts.FileMode = 0644
	}
	if opts.DirMode == 0 {
		opts.DirMode = 0755
	}
	if opts.RandomName == nil {
		opts.RandomName = RandomListName
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Store{
		StoreConfig: opts,
	}
}

// ValidateName rejects names that would resolve outside the user directory.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// UserDir returns the directory holding the files of userID.
func (s *Store) UserDir(userID uint32) string {
	return filepath.Join(s.Root, strconv.FormatUint(uint64(userID), 10))
}

func (s *Store) path(userID uint32, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.UserDir(userID), name), nil
}

// Has reports whether name exists for userID.
func (s *Store) Has(userID uint32, name string) bool {
	p, err := s.path(userID, name)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Write stores the contents of r as name, creating the user directory if
// needed and replacing any previous file with the same name.
func (s *Store) Write(userID uint32, name string, r io.Reader) (int64, error) {
	p, err := s.path(userID, name)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(s.UserDir(userID), s.DirMode); err != nil {
		return 0, &StorageError{Op: "store", UserID: userID, Name: name, Err: err}
	}

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, s.FileMode)
	if err != nil {
		return 0, &StorageError{Op: "store", UserID: userID, Name: name, Err: err}
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, &StorageError{Op: "store", UserID: userID, Name: name, Err: err}
	}

	s.Logger.WithFields(logrus.Fields{"user_id": userID, "file": name}).Debugf("Wrote %d bytes to %s", n, p)
	return n, nil
}

// Read returns the full contents of name.
func (s *Store) Read(userID uint32, name string) ([]byte, error) {
	p, err := s.path(userID, name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "fetch", UserID: userID, Name: name, Err: err}
	}
	return data, nil
}

// Delete removes name. Deleting a file that does not exist is not an error.
func (s *Store) Delete(userID uint32, name string) error {
	p, err := s.path(userID, name)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Op: "delete", UserID: userID, Name: name, Err: err}
	}
	return nil
}

// List writes a freshly named artifact into the user directory containing
// the names of all regular files in it, one per line, and returns the
// artifact name. ErrNoFiles is returned, and no artifact is left behind,
// when there is nothing to list.
func (s *Store) List(userID uint32) (string, error) {
	dir := s.UserDir(userID)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoFiles
		}
		return "", &StorageError{Op: "list", UserID: userID, Err: err}
	}

	base, err := s.RandomName()
	if err != nil {
		return "", &StorageError{Op: "list", UserID: userID, Err: err}
	}
	listName := base + listNameSuffix
	listPath := filepath.Join(dir, listName)

	f, err := os.OpenFile(listPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, s.FileMode)
	if err != nil {
		return "", &StorageError{Op: "list", UserID: userID, Name: listName, Err: err}
	}

	count, err := writeListing(f, dir, listName)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil || count == 0 {
		if rerr := os.Remove(listPath); rerr != nil {
			s.Logger.WithFields(logrus.Fields{"user_id": userID, "file": listName}).Warnf("Removing list file: %v", rerr)
		}
		if err != nil {
			return "", &StorageError{Op: "list", UserID: userID, Name: listName, Err: err}
		}
		return "", ErrNoFiles
	}

	s.Logger.WithFields(logrus.Fields{"user_id": userID, "file": listName}).Debugf("Listed %d files", count)
	return listName, nil
}

// writeListing writes the regular files of dir, except skip, to w.
func writeListing(w io.Writer, dir, skip string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	bw := bufio.NewWriter(w)
	count := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || entry.Name() == skip {
			continue
		}
		if _, err := bw.WriteString(entry.Name() + "\n"); err != nil {
			return count, err
		}
		count++
	}
	return count, bw.Flush()
}
