package catalog

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/vpncore/vpncore/internal/model"
)

// Directory is the source of the server list.
type Directory interface {
	// FetchAll returns the current server list.
	FetchAll() []model.ServerRecord

	// OnChange registers fn to be called whenever the list is replaced.
	// The returned function unregisters it.
	OnChange(fn func()) (cancel func())
}

// listeners is the change notification list shared by directories.
type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func()
}

func (l *listeners) add(fn func()) func() {
	defer l.mu.Unlock()
	l.mu.Lock()
	if l.fns == nil {
		l.fns = map[int]func(){}
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		defer l.mu.Unlock()
		l.mu.Lock()
		delete(l.fns, id)
	}
}

func (l *listeners) notify() {
	l.mu.Lock()
	fns := make([]func(), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// StaticDirectory is an in-memory [Directory].
type StaticDirectory struct {
	mu        sync.Mutex
	servers   []model.ServerRecord
	listeners listeners
}

var _ Directory = &StaticDirectory{}

// NewStaticDirectory creates a [StaticDirectory] holding servers.
func NewStaticDirectory(servers []model.ServerRecord) *StaticDirectory {
	return &StaticDirectory{servers: servers}
}

// FetchAll implements Directory
func (d *StaticDirectory) FetchAll() []model.ServerRecord {
	defer d.mu.Unlock()
	d.mu.Lock()
	return append([]model.ServerRecord{}, d.servers...)
}

// OnChange implements Directory
func (d *StaticDirectory) OnChange(fn func()) func() {
	return d.listeners.add(fn)
}

// Replace swaps the server list and notifies the listeners.
func (d *StaticDirectory) Replace(servers []model.ServerRecord) {
	d.mu.Lock()
	d.servers = servers
	d.mu.Unlock()
	d.listeners.notify()
}

// ErrDirectory wraps errors loading a directory.
var ErrDirectory = errors.New("catalog: cannot load directory")

// FileDirectory reads the server list from a file using the logicals API
// JSON format.
type FileDirectory struct {
	path   string
	static *StaticDirectory
}

var _ Directory = &FileDirectory{}

// NewFileDirectory creates a [FileDirectory] and loads path.
func NewFileDirectory(path string) (*FileDirectory, error) {
	servers, err := readServers(path)
	if err != nil {
		return nil, err
	}
	return &FileDirectory{path: path, static: NewStaticDirectory(servers)}, nil
}

// FetchAll implements Directory
func (d *FileDirectory) FetchAll() []model.ServerRecord {
	return d.static.FetchAll()
}

// OnChange implements Directory
func (d *FileDirectory) OnChange(fn func()) func() {
	return d.static.OnChange(fn)
}

// Reload reads the file again. On error the current list is kept.
func (d *FileDirectory) Reload() error {
	servers, err := readServers(d.path)
	if err != nil {
		return err
	}
	d.static.Replace(servers)
	return nil
}

func readServers(path string) ([]model.ServerRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDirectory, err.Error())
	}
	servers, err := model.ParseLogicalServers(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDirectory, err.Error())
	}
	return servers, nil
}
