package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chainguard-dev/clog"
)

var (
	ErrNotFound = fmt.Errorf("instance is not in the inventory")
	ErrRead     = fmt.Errorf("failed to read inventory")
	ErrWrite    = fmt.Errorf("failed to write inventory")
)

var _ Inventory = (*File)(nil)

// File is a JSON file backed Inventory. A missing file reads as empty.
type File struct {
	mu   sync.Mutex
	path string
}

type fileModel struct {
	Instances []Record `json:"instances"`
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string {
	return f.path
}

// Record implements Inventory.
func (f *File) Record(ctx context.Context, r Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.read()
	if err != nil {
		return err
	}
	replaced := false
	for i := range data.Instances {
		if data.Instances[i].InstanceID == r.InstanceID {
			data.Instances[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		data.Instances = append(data.Instances, r)
	}
	if err := f.write(data); err != nil {
		return err
	}
	clog.FromContext(ctx).Debug("recorded instance in inventory", "id", r.InstanceID, "path", f.path)
	return nil
}

// SetBootstrapStatus implements Inventory.
func (f *File) SetBootstrapStatus(ctx context.Context, instanceID, toolchain string, s Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.read()
	if err != nil {
		return err
	}
	for i := range data.Instances {
		if data.Instances[i].InstanceID != instanceID {
			continue
		}
		if data.Instances[i].Bootstrap == nil {
			data.Instances[i].Bootstrap = make(map[string]Status)
		}
		data.Instances[i].Bootstrap[toolchain] = s
		return f.write(data)
	}
	return fmt.Errorf("%w: %s", ErrNotFound, instanceID)
}

// List implements Inventory.
func (f *File) List(_ context.Context) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.read()
	if err != nil {
		return nil, err
	}
	return data.Instances, nil
}

func (f *File) read() (*fileModel, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return &fileModel{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	var data fileModel
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", ErrRead, f.path, err)
	}
	return &data, nil
}

// write replaces the file through a rename so a crash never leaves a
// truncated inventory behind.
func (f *File) write(data *fileModel) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding: %w", ErrWrite, err)
	}
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}
