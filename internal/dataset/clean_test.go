package dataset

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanKeepsNewest(t *testing.T) {
	d, sink, _ := newTestDataset(t)
	setConfig(t, d, "keep: 2\ngit: true\n")

	touch(t, filepath.Join(d.DataPath, "2020-01-01T000000Z.txt"))
	touch(t, filepath.Join(d.LogPath, "2020-01-01T000000Z.out"))
	touch(t, filepath.Join(d.LogPath, "2020-01-01T000000Z.err"))
	touch(t, filepath.Join(d.DataPath, "2020-01-02T000000Z.txt"))
	touch(t, filepath.Join(d.DataPath, "2020-01-03T000000Z.txt"))
	touch(t, filepath.Join(d.DataPath, "2020-01-04T000000Z.txt"))

	require.NoError(t, d.Clean(context.Background()))

	ids, err := d.FindParcelIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"2020-01-03T000000Z", "2020-01-04T000000Z"}, ids)

	entries, err := os.ReadDir(d.LogPath)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.Len(t, sink.staged, 1)
	assert.Equal(t, []string{
		filepath.Join("data", "2020-01-01T000000Z.txt"),
		filepath.Join("data", "2020-01-02T000000Z.txt"),
	}, sink.staged[0])
	assert.Equal(t, []string{"clean"}, sink.commits)
}

func TestCleanIncompleteCountsAgainstQuota(t *testing.T) {
	d, _, _ := newTestDataset(t)
	setConfig(t, d, "keep: 2\n")

	touch(t, filepath.Join(d.DataPath, "2020-01-01T000000Z.txt"))
	touch(t, filepath.Join(d.IncompletePath, "2020-01-02T000000Z.txt"))
	touch(t, filepath.Join(d.IncompletePath, "2020-01-03T000000Z.txt"))

	require.NoError(t, d.Clean(context.Background()))

	ids, err := d.FindParcelIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"2020-01-02T000000Z", "2020-01-03T000000Z"}, ids)

	entries, err := os.ReadDir(d.DataPath)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCleanDirectoryParcel(t *testing.T) {
	d, _, _ := newTestDataset(t)
	setConfig(t, d, "keep: 1\n")

	old := filepath.Join(d.DataPath, "2020-01-01T000000Z")
	require.NoError(t, os.MkdirAll(old, 0o755))
	touch(t, filepath.Join(old, "inner.txt"))
	touch(t, filepath.Join(d.DataPath, "2020-01-02T000000Z.txt"))

	require.NoError(t, d.Clean(context.Background()))

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanNoKeepConfigured(t *testing.T) {
	d, sink, _ := newTestDataset(t)
	setConfig(t, d, "git: true\n")

	touch(t, filepath.Join(d.DataPath, "2020-01-01T000000Z.txt"))
	touch(t, filepath.Join(d.DataPath, "2020-01-02T000000Z.txt"))

	require.NoError(t, d.Clean(context.Background()))

	ids, err := d.FindParcelIDs()
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Empty(t, sink.commits)
}

func TestCleanPreservesMetricsRows(t *testing.T) {
	d, _, _ := newTestDataset(t)
	setConfig(t, d, "keep: 1\n")

	content := "parcel_id,success,files,bytes\n" +
		"2020-01-01T000000Z,Y,1,1\n" +
		"2020-01-02T000000Z,Y,1,1\n"
	require.NoError(t, os.WriteFile(d.MetricsPath, []byte(content), 0o644))
	touch(t, filepath.Join(d.DataPath, "2020-01-01T000000Z.txt"))
	touch(t, filepath.Join(d.DataPath, "2020-01-02T000000Z.txt"))

	require.NoError(t, d.Clean(context.Background()))

	rows, err := d.Metrics().Read()
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
