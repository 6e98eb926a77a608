package config

import (
	"io/ioutil"
	"log"
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

// FullReader abstracts where config source bytes come from, so tests can
// substitute an in-memory map instead of real files.
type FullReader interface {
	Normalize(key string) string
	// ReadAll returns nil,nil for "not found", distinct from an IO error.
	ReadAll(key string) ([]byte, error)
}

type OsFullReader struct {
	base string
}

func NewOsFullReader(basePath string) *OsFullReader {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		err = errors.Annotatef(err, "filepath.Abs() path=%s", basePath)
		log.Fatal(errors.ErrorStack(err))
	}
	return &OsFullReader{base: abs}
}

func (r *OsFullReader) SetBase(base string) { r.base = base }

func (r OsFullReader) Normalize(path string) string {
	return filepath.Clean(filepath.Join(r.base, path))
}

func (OsFullReader) ReadAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return ioutil.ReadAll(f)
}

type MockFullReader struct {
	Map map[string]string
}

func NewMockFullReader(sources map[string]string) *MockFullReader {
	return &MockFullReader{Map: sources}
}

func (r *MockFullReader) Normalize(name string) string {
	return filepath.Clean(name)
}

func (r *MockFullReader) ReadAll(name string) ([]byte, error) {
	if s, ok := r.Map[name]; ok {
		return []byte(s), nil
	}
	return nil, nil
}
