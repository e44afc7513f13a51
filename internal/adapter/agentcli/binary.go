package agentcli

import (
	"errors"
	"io/fs"
	"os/exec"
	"sync"
)

// binaryResolver caches the resolved location of the agent binary for the
// process lifetime. A not-found failure at start time invalidates the cache.
type binaryResolver struct {
	name     string
	lookPath func(string) (string, error)

	mu   sync.Mutex
	path string
}

func newBinaryResolver(name string) *binaryResolver {
	return &binaryResolver{name: name, lookPath: exec.LookPath}
}

func (r *binaryResolver) Resolve() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.path != "" {
		return r.path, nil
	}
	path, err := r.lookPath(r.name)
	if err != nil {
		return "", err
	}
	r.path = path
	return path, nil
}

func (r *binaryResolver) Invalidate() {
	r.mu.Lock()
	r.path = ""
	r.mu.Unlock()
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
