package similarity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

var (
	ErrRegionExists = errors.New("shared memory region already exists")
	ErrNotPublished = errors.New("similarity index has not been published")
	ErrProtocol     = errors.New("shared memory protocol violation")
	ErrDetached     = errors.New("similarity index is detached")
)

// Names identifies the three regions of one run
type Names struct {
	Width        string `json:"width"`
	Height       string `json:"height"`
	Similarities string `json:"similarities"`
}

// NamesForRun derives region names scoped to a run id
func NamesForRun(runID string) Names {
	return Names{
		Width:        fmt.Sprintf("fern-%s-width", runID),
		Height:       fmt.Sprintf("fern-%s-height", runID),
		Similarities: fmt.Sprintf("fern-%s-similarities", runID),
	}
}

func (n Names) all() []string {
	return []string{n.Width, n.Height, n.Similarities}
}

// region is one mapped file under the shared memory dir
type region struct {
	path      string
	data      []byte
	committed bool
}

const partialSuffix = ".partial"

// createRegion exclusively creates a writable region of size bytes. The region
// is only visible under its final name after commit.
func createRegion(dir, name string, size int) (*region, error) {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrRegionExists, name)
	}

	f, err := os.OpenFile(path+partialSuffix, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("%w: %s", ErrRegionExists, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create region %s: %w", name, err)
	}
	defer f.Close()

	r := &region{path: path}
	if err := f.Truncate(int64(size)); err != nil {
		_ = os.Remove(path + partialSuffix)
		return nil, fmt.Errorf("failed to size region %s: %w", name, err)
	}
	if size == 0 {
		return r, nil
	}

	r.data, err = unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = os.Remove(path + partialSuffix)
		return nil, fmt.Errorf("failed to map region %s: %w", name, err)
	}
	return r, nil
}

// commit makes a created region visible under its final name
func (r *region) commit() error {
	defer os.Remove(r.path + partialSuffix)
	if err := os.Link(r.path+partialSuffix, r.path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrRegionExists, filepath.Base(r.path))
		}
		return fmt.Errorf("failed to publish region %s: %w", filepath.Base(r.path), err)
	}
	r.committed = true
	return nil
}

// openRegion maps an existing region read-only
func openRegion(dir, name string) (*region, error) {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s is missing", ErrNotPublished, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open region %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat region %s: %w", name, err)
	}

	r := &region{path: path}
	if info.Size() == 0 {
		return r, nil
	}

	r.data, err = unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map region %s: %w", name, err)
	}
	return r, nil
}

func (r *region) unmap() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}

// unlink removes the region only if this process published it
func (r *region) unlink() error {
	_ = os.Remove(r.path + partialSuffix)
	if !r.committed {
		return nil
	}
	err := os.Remove(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
