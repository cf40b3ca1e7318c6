package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestAllocateIsPerJob(t *testing.T) {
	a := NewAllocator("/work")
	img := a.Allocate("job_a", KindImage, ".jpg")
	if img != filepath.Join("/work", "job_a", "image.jpg") {
		t.Fatalf("unexpected image path: %s", img)
	}
	if got := a.Allocate("job_a", KindAudio, "mp3"); got != filepath.Join("/work", "job_a", "audio.mp3") {
		t.Fatalf("extension without dot not normalized: %s", got)
	}
	if a.Allocate("job_b", KindImage, ".jpg") == img {
		t.Fatal("different jobs must not share a path")
	}
}

func TestAllocateDisjointAcrossConcurrentJobs(t *testing.T) {
	a := NewAllocator(t.TempDir())
	const jobs = 64

	var mu sync.Mutex
	seen := map[string]string{}
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := NewJobID()
			paths := []string{a.Allocate(id, KindImage, ".png"), a.Allocate(id, KindAudio, ".mp3")}
			mu.Lock()
			defer mu.Unlock()
			for _, p := range paths {
				if owner, dup := seen[p]; dup {
					t.Errorf("path %s issued to %s and %s", p, owner, id)
				}
				seen[p] = id
			}
		}()
	}
	wg.Wait()
	if len(seen) != jobs*2 {
		t.Fatalf("expected %d distinct paths, got %d", jobs*2, len(seen))
	}
}

func TestAllocateRejectsInvalidJobID(t *testing.T) {
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("expected panic for job id %q", id)
				}
			}()
			NewAllocator("/work").Allocate(id, KindImage, ".jpg")
		}()
	}
}

func TestNewJobIDUnique(t *testing.T) {
	a, b := NewJobID(), NewJobID()
	if a == b || !strings.HasPrefix(a, "job_") {
		t.Fatalf("unexpected ids %q %q", a, b)
	}
}

func TestScopeReleaseRemovesEverything(t *testing.T) {
	a := NewAllocator(t.TempDir())
	s := a.NewScope(NewJobID())

	img := s.Allocate(KindImage, ".jpg")
	if err := WriteFile(img, []byte("jpeg")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	audio := s.Allocate(KindAudio, ".mp3")
	if err := os.WriteFile(audio, []byte("mp3"), 0600); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	stray := filepath.Join(s.Dir(), "audio.wav")
	if err := os.WriteFile(stray, []byte("wav"), 0600); err != nil {
		t.Fatalf("write stray: %v", err)
	}

	if len(s.Paths()) != 2 {
		t.Fatalf("paths = %v", s.Paths())
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(s.Dir()); !os.IsNotExist(err) {
		t.Fatalf("job dir should be gone, stat err = %v", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("second Release should be a no-op: %v", err)
	}
}

func TestScopeReleaseWithNothingWritten(t *testing.T) {
	s := NewAllocator(t.TempDir()).NewScope(NewJobID())
	s.Allocate(KindImage, ".jpg")
	if err := s.Release(); err != nil {
		t.Fatalf("Release of unwritten allocation: %v", err)
	}
}

func TestWriteFileLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job_x", "image.png")
	if err := WriteFile(path, []byte("png")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "image.png" {
		t.Fatalf("unexpected entries: %v", entries)
	}
}
