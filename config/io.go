package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/errors"
)

// FullReader is where config sources come from.
type FullReader interface {
	Normalize(key string) string
	// nil,nil = not found
	ReadAll(key string) ([]byte, error)
}

type OsFullReader struct {
	mu   sync.Mutex
	base string
}

// NewOsFullReader resolves relative includes against the directory of the
// first file passed to ReadConfig.
func NewOsFullReader() *OsFullReader { return &OsFullReader{} }

func (r *OsFullReader) SetBase(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Annotatef(err, "filepath.Abs() path=%s", path)
	}
	r.mu.Lock()
	r.base = abs
	r.mu.Unlock()
	return nil
}

func (r *OsFullReader) Normalize(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	r.mu.Lock()
	base := r.base
	r.mu.Unlock()
	return filepath.Clean(filepath.Join(base, path))
}

func (*OsFullReader) ReadAll(path string) ([]byte, error) {
	b, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}

// MockFullReader serves sources from memory.
type MockFullReader struct {
	Map map[string]string
}

func NewMockFullReader(sources map[string]string) *MockFullReader {
	return &MockFullReader{Map: sources}
}

func (m *MockFullReader) Normalize(name string) string { return filepath.Clean(name) }

func (m *MockFullReader) ReadAll(name string) ([]byte, error) {
	if s, ok := m.Map[name]; ok {
		return []byte(s), nil
	}
	return nil, nil
}
