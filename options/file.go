// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package options

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
)

// FileStore keeps one YAML file per device in a directory
type FileStore struct {
	dir string
	ctx log.Interface
}

// NewFile returns a FileStore for the given directory, creating it if needed
func NewFile(dir string, ctx log.Interface) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{
		dir: dir,
		ctx: ctx.WithField("Directory", dir),
	}, nil
}

// Path of the options file of a device
func (f *FileStore) Path(deviceID string) string {
	return filepath.Join(f.dir, deviceID+".yml")
}

// Save implements Store
func (f *FileStore) Save(deviceID string, bundle *Bundle) error {
	data, err := Marshal(bundle)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(f.Path(deviceID), data, 0644)
}

// Load implements Store
func (f *FileStore) Load(deviceID string) (*Bundle, error) {
	data, err := ioutil.ReadFile(f.Path(deviceID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// Delete implements Store
func (f *FileStore) Delete(deviceID string) error {
	err := os.Remove(f.Path(deviceID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Watch calls onChange with the new bundle whenever the options file of the
// device is written. The callback runs on the watcher goroutine. Call the
// returned function to stop watching.
func (f *FileStore) Watch(deviceID string, onChange func(*Bundle)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, editors often replace files instead of writing them
	if err := watcher.Add(f.dir); err != nil {
		watcher.Close()
		return nil, err
	}
	path := filepath.Clean(f.Path(deviceID))
	ctx := f.ctx.WithField("DeviceID", deviceID)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				bundle, err := f.Load(deviceID)
				if err != nil {
					ctx.WithError(err).Warn("Could not reload options")
					continue
				}
				if bundle.Len() == 0 {
					// Truncated by a writer that has not written yet
					continue
				}
				ctx.Debug("Reloaded options")
				onChange(bundle)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				ctx.WithError(err).Warn("Error while watching options")
			}
		}
	}()
	return func() {
		close(done)
		watcher.Close()
	}, nil
}
