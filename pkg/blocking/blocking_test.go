package blocking

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeProcesses(t *testing.T, procs []Proc, err error) {
	t.Helper()
	orig := listProcesses
	listProcesses = func(context.Context) ([]Proc, error) { return procs, err }
	t.Cleanup(func() { listProcesses = orig })
}

func TestMatches(t *testing.T) {
	p := Proc{Name: "Excel.EXE", Exe: `C:\Program Files\Microsoft Office\EXCEL.EXE`}

	assert.True(t, Matches("excel", p))
	assert.True(t, Matches("EXCEL.exe", p))
	assert.True(t, Matches(`c:\program files\microsoft office\excel.exe`, p))
	assert.False(t, Matches(`C:\Other\excel.exe`, p))
	assert.False(t, Matches("exc", p))
	assert.False(t, Matches("", p))
	assert.False(t, Matches(`C:\x.exe`, Proc{Name: "x.exe"}))
}

func TestRunning(t *testing.T) {
	fakeProcesses(t, []Proc{{Name: "petrel.exe"}, {Name: "explorer.exe"}}, nil)

	running, err := Running(context.Background(), []string{"Petrel", "eclipse.exe", "explorer.exe"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Petrel", "explorer.exe"}, running)
}

func TestRunningNoAppsSkipsListing(t *testing.T) {
	fakeProcesses(t, nil, errors.New("must not be called"))

	running, err := Running(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestRunningListError(t *testing.T) {
	fakeProcesses(t, nil, errors.New("denied"))

	_, err := Running(context.Background(), []string{"a"})
	assert.Error(t, err)
}
