package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRegistryPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`SOFTWARE\Demo`, `SOFTWARE\Demo`},
		{`\SOFTWARE\\Demo\`, `SOFTWARE\Demo`},
		{`SOFTWARE/Microsoft/Windows`, `SOFTWARE\Microsoft\Windows`},
		{"  SOFTWARE\\Demo  ", `SOFTWARE\Demo`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeRegistryPath(tt.in), tt.in)
	}
}

func TestSameDir(t *testing.T) {
	assert.True(t, SameDir(`C:\Apps\Demo\`, `c:/apps/demo`))
	assert.True(t, SameDir(`"C:\Apps\Demo"`, `C:\Apps\Demo`))
	assert.False(t, SameDir(`C:\Apps\Demo`, `C:\Apps\Other`))
	assert.False(t, SameDir("", `C:\Apps`))
}

func TestFileSHA256AndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	sum, err := FileSHA256(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
	assert.True(t, Verify(path, "BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD"))
	assert.False(t, Verify(filepath.Join(t.TempDir(), "missing"), sum))
}
