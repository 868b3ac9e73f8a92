package sandbox

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateExistingAcceptsChild(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "file.txt"), []byte("hi"), 0o644))

	s := New()
	resolved, ok := s.ValidateExisting("file.txt", base)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(base, "file.txt"), resolved)
}

func TestValidateExistingRejectsTraversal(t *testing.T) {
	base := t.TempDir()
	sibling := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sibling, "secret.txt"), []byte("hi"), 0o644))

	rel, err := filepath.Rel(base, filepath.Join(sibling, "secret.txt"))
	require.NoError(t, err)

	s := New()
	_, ok := s.ValidateExisting(rel, base)
	assert.False(t, ok)
}

func TestValidateExistingRejectsMissing(t *testing.T) {
	base := t.TempDir()
	s := New()
	_, ok := s.ValidateExisting("does-not-exist", base)
	assert.False(t, ok)
}

func TestValidateNoSymlinkRejectsSymlink(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "real.txt")
	require.NoError(t, os.WriteFile(target, []byte("hi"), 0o644))
	link := filepath.Join(base, "link.txt")
	require.NoError(t, os.Symlink(target, link))

	s := New()
	_, ok := s.ValidateNoSymlink("link.txt", base)
	assert.False(t, ok, "a symlink final component must be rejected even though it resolves inside base")
}

func TestValidateNewAllowsNonExistentChild(t *testing.T) {
	base := t.TempDir()
	s := New()
	resolved, ok := s.ValidateNew("newfile.txt", base)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(base, "newfile.txt"), resolved)
}

func TestValidateNewRejectsEscapingBase(t *testing.T) {
	base := t.TempDir()
	s := New()
	_, ok := s.ValidateNew("../escape.txt", base)
	assert.False(t, ok)
}

func TestConcurrentValidation(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), []byte("x"), 0o644))

	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ValidateExisting("a.txt", base)
			s.ValidateNew("b.txt", base)
		}()
	}
	wg.Wait()
}
