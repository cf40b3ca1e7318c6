// Package artifacts names, tracks and reclaims the temporary files a job
// creates (the downloaded image and the synthesized audio).
//
// Every job owns one directory under the work root, named by its job id.
// Two live jobs therefore never share a path, and reclaiming a job is a
// single directory removal.
package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type Kind string

const (
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

// NewJobID returns a process-unique job identifier.
func NewJobID() string {
	return "job_" + uuid.NewString()
}

// Allocator computes artifact paths. It has no state besides the root and
// is safe for concurrent use.
type Allocator struct {
	root string
}

func NewAllocator(root string) *Allocator {
	return &Allocator{root: filepath.Clean(root)}
}

func (a *Allocator) Root() string {
	return a.root
}

// JobDir is the directory holding every artifact of jobID.
func (a *Allocator) JobDir(jobID string) string {
	mustValidJobID(jobID)
	return filepath.Join(a.root, jobID)
}

// Allocate returns the path for one artifact of jobID. It creates nothing.
// ext includes the leading dot and may be empty.
func (a *Allocator) Allocate(jobID string, kind Kind, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(a.JobDir(jobID), string(kind)+ext)
}

// mustValidJobID panics on ids that could escape the root or collide with
// another job's directory.
func mustValidJobID(jobID string) {
	if jobID == "" || jobID == "." || jobID == ".." ||
		strings.ContainsAny(jobID, `/\`) || jobID != filepath.Base(jobID) {
		panic(fmt.Sprintf("artifacts: invalid job id %q", jobID))
	}
}

// Scope tracks the artifacts allocated for a single job so they can all be
// reclaimed at once.
type Scope struct {
	alloc    *Allocator
	jobID    string
	mu       sync.Mutex
	paths    []string
	released bool
}

func (a *Allocator) NewScope(jobID string) *Scope {
	mustValidJobID(jobID)
	return &Scope{alloc: a, jobID: jobID}
}

func (s *Scope) JobID() string {
	return s.jobID
}

func (s *Scope) Dir() string {
	return s.alloc.JobDir(s.jobID)
}

// Allocate reserves a path for kind and remembers it for Release.
func (s *Scope) Allocate(kind Kind, ext string) string {
	path := s.alloc.Allocate(s.jobID, kind, ext)
	s.Track(path)
	return path
}

// Track records an extra file written inside the job directory, e.g. when
// an engine picks its own extension.
func (s *Scope) Track(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.paths {
		if p == path {
			return
		}
	}
	s.paths = append(s.paths, path)
}

// Paths returns the allocated paths in allocation order.
func (s *Scope) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

// Release removes every tracked file and the job directory. Calling it
// again is a no-op.
func (s *Scope) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true

	var errs []error
	for _, p := range s.paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
		}
	}
	if err := os.RemoveAll(s.Dir()); err != nil {
		errs = append(errs, fmt.Errorf("remove job dir: %w", err))
	}
	return errors.Join(errs...)
}

// EnsureDir creates the parent directory of path.
func EnsureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("mkdir artifact dir: %w", err)
	}
	return nil
}

// WriteFile persists data at path through a temp file and rename, so a
// reader never sees a partially written artifact.
func WriteFile(path string, data []byte) error {
	if err := EnsureDir(path); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write artifact temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace artifact: %w", err)
	}
	return nil
}
