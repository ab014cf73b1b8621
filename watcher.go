package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

type StorageWatcherConfig struct {
	Root   string
	Logger logrus.FieldLogger
	// OnEvent, when set, is called for every event after it has been logged
	OnEvent func(fsnotify.Event)
}

// StorageWatcher logs every change made under the storage root, including
// changes made behind the server's back. fsnotify does not recurse, so the
// root and each user directory are watched individually.
type StorageWatcher struct {
	StorageWatcherConfig
}

func NewStorageWatcher(opts StorageWatcherConfig) *StorageWatcher {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &StorageWatcher{
		StorageWatcherConfig: opts,
	}
}

func (w *StorageWatcher) String() string {
	return "storage-watcher@" + w.Root
}

// Serve watches the storage root until ctx is done.
func (w *StorageWatcher) Serve(ctx context.Context) error {
	if err := os.MkdirAll(w.Root, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.Root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.addUserDir(watcher, filepath.Join(w.Root, entry.Name()))
		}
	}
	w.Logger.Infof("Listening for changes in: %s", w.Root)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			w.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			w.Logger.Warnf("Watcher error: %v", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *StorageWatcher) addUserDir(watcher *fsnotify.Watcher, dir string) {
	if err := watcher.Add(dir); err != nil {
		w.Logger.Warnf("Failed to watch %s: %v", dir, err)
	}
}

func (w *StorageWatcher) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	op := eventOpName(event.Op)
	metricWatcherEvents.WithLabelValues(op).Inc()

	fields := logrus.Fields{"op": op, "path": event.Name}
	rel, err := filepath.Rel(w.Root, event.Name)
	if err == nil {
		user, file := filepath.Split(rel)
		if user == "" {
			// an entry directly under the root is a user directory
			user, file = file, ""
		}
		if id, err := strconv.ParseUint(filepath.Clean(user), 10, 32); err == nil {
			fields["user_id"] = id
		}
		if file != "" {
			fields["file"] = file
		}
	}
	w.Logger.WithFields(fields).Debug("Storage event")

	if event.Has(fsnotify.Create) && filepath.Dir(event.Name) == filepath.Clean(w.Root) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addUserDir(watcher, event.Name)
		}
	}

	if w.OnEvent != nil {
		w.OnEvent(event)
	}
}

func eventOpName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	default:
		return "unknown"
	}
}
