package pathutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"root", "/", "/"},
		{"empty", "", "/"},
		{"simple", "/a/b/c", "/a/b/c"},
		{"no leading slash", "a/b", "/a/b"},
		{"double slashes", "/a//b///c", "/a/b/c"},
		{"trailing slash", "/a/b/", "/a/b"},
		{"backslashes", "\\a\\b", "/a/b"},
		{"dot segments", "/a/./b/.", "/a/b"},
		{"mixed separators", "a\\b/c", "/a/b/c"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Canonicalize(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCanonicalize_Idempotent(t *testing.T) {
	inputs := []string{"/a//b/", "a\\b\\c", "/", "x/./y"}

	for _, in := range inputs {
		once, err := Canonicalize(in)
		require.NoError(t, err)

		twice, err := Canonicalize(once)
		require.NoError(t, err)

		assert.Equal(t, once, twice)
	}
}

func TestCanonicalize_RejectsTraversal(t *testing.T) {
	for _, in := range []string{"/a/../b", "..", "/..", "a/b/..", "\\..\\etc"} {
		_, err := Canonicalize(in)
		assert.ErrorIs(t, err, ErrPathTraversal, "input %q", in)
	}
}

func TestCanonicalize_RejectsNUL(t *testing.T) {
	_, err := Canonicalize("/a/b\x00c")
	assert.ErrorIs(t, err, ErrPathNUL)
}

func TestCanonicalize_RejectsOverlongPath(t *testing.T) {
	long := "/" + strings.Repeat("a", MaxPathBytes)

	_, err := Canonicalize(long)
	assert.ErrorIs(t, err, ErrPathTooLong)
}

func TestCanonicalize_NeverEmitsForbiddenSequences(t *testing.T) {
	inputs := []string{"/a//b", "a\\b", "/x/./y/", "weird//\\//path"}

	for _, in := range inputs {
		got, err := Canonicalize(in)
		require.NoError(t, err)

		assert.NotContains(t, got, "..")
		assert.NotContains(t, got, "\\")
		assert.NotContains(t, got, "//")
	}
}

func TestSubpath(t *testing.T) {
	cases := []struct {
		mount string
		path  string
		want  string
	}{
		{"/m", "/m", "/"},
		{"/m", "/m/a/b.txt", "/a/b.txt"},
		{"/", "/a", "/a"},
		{"/", "/", "/"},
		{"/data/store", "/data/store/x", "/x"},
	}

	for _, tc := range cases {
		got, err := Subpath(tc.mount, tc.path)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "mount=%s path=%s", tc.mount, tc.path)
	}
}

func TestSubpath_OutsideMount(t *testing.T) {
	_, err := Subpath("/m", "/other/a")
	assert.ErrorIs(t, err, ErrNotUnderMount)

	// "/mx" shares a string prefix with "/m" but is not under it.
	_, err = Subpath("/m", "/mx")
	assert.ErrorIs(t, err, ErrNotUnderMount)
}

func TestIsAncestor(t *testing.T) {
	assert.True(t, IsAncestor("/", "/a"))
	assert.True(t, IsAncestor("/a", "/a/b"))
	assert.True(t, IsAncestor("/a", "/a/b/c"))

	assert.False(t, IsAncestor("/a", "/a"))
	assert.False(t, IsAncestor("/", "/"))
	assert.False(t, IsAncestor("/a", "/ab"))
	assert.False(t, IsAncestor("/a/b", "/a"))
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "/m/a/b", Join("/m", "/a/b"))
	assert.Equal(t, "/a", Join("/", "a"))
	assert.Equal(t, "/a/b", Join("/a/", "/b/"))
}

func TestBaseAndParent(t *testing.T) {
	assert.Equal(t, "b.txt", BaseName("/a/b.txt"))
	assert.Equal(t, "", BaseName("/"))
	assert.Equal(t, "/a", ParentPath("/a/b.txt"))
	assert.Equal(t, "/", ParentPath("/a"))
	assert.Equal(t, "/", ParentPath("/"))
}
