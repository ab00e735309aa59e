package files

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"

	"meshchat/internal/service"
)

var extChars = regexp.MustCompile(`[^.\w]`)

// DiskBlobs 把文件写到 dir/<id><ext>。
type DiskBlobs struct {
	dir string
}

func NewDiskBlobs(dir string) (*DiskBlobs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskBlobs{dir: dir}, nil
}

func (d *DiskBlobs) Name() string { return "disk" }

func (d *DiskBlobs) Put(_ context.Context, id, filename string, data []byte) (string, error) {
	name := id + extChars.ReplaceAllString(filepath.Ext(filename), "")
	if err := os.WriteFile(filepath.Join(d.dir, name), data, 0o644); err != nil {
		return "", err
	}
	return name, nil
}

func (d *DiskBlobs) Get(_ context.Context, location string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, filepath.Base(location)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, service.ErrFileNotFound
	}
	return data, err
}
