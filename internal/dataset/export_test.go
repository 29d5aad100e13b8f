package dataset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setConfig(t *testing.T, d *Dataset, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(d.ConfigPath, []byte(content), 0o644))
}

func readMetricsFile(t *testing.T, d *Dataset) string {
	t.Helper()
	data, err := os.ReadFile(d.MetricsPath)
	require.NoError(t, err)
	return string(data)
}

func TestRunExport(t *testing.T) {
	d, _, _ := newTestDataset(t)
	setConfig(t, d, `cmd: "echo exported > $PARCEL_PATH.txt; echo progress; echo oops >&2"`+"\n")

	id, err := d.RunExport(context.Background(), "2021-03-04T050607Z")
	require.NoError(t, err)
	assert.Equal(t, "2021-03-04T050607Z", id)

	data, err := os.ReadFile(filepath.Join(d.DataPath, "2021-03-04T050607Z.txt"))
	require.NoError(t, err)
	assert.Equal(t, "exported\n", string(data))

	entries, err := os.ReadDir(d.IncompletePath)
	require.NoError(t, err)
	assert.Empty(t, entries)

	out, err := os.ReadFile(filepath.Join(d.LogPath, "2021-03-04T050607Z.out"))
	require.NoError(t, err)
	assert.Equal(t, "progress\n", string(out))
	errLog, err := os.ReadFile(filepath.Join(d.LogPath, "2021-03-04T050607Z.err"))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errLog))
}

func TestRunExportDirectoryParcel(t *testing.T) {
	d, _, _ := newTestDataset(t)
	setConfig(t, d, `cmd: "mkdir $PARCEL_PATH && echo a > $PARCEL_PATH/a.txt"`+"\n")

	_, err := d.RunExport(context.Background(), "2021-03-04T050607Z")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(d.DataPath, "2021-03-04T050607Z"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRunExportNoCommand(t *testing.T) {
	d, _, _ := newTestDataset(t)

	id, err := d.RunExport(context.Background(), "2021-03-04T050607Z")
	require.NoError(t, err)
	assert.Equal(t, "", id)

	ids, err := d.FindParcelIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRunExportRefusesKnownParcel(t *testing.T) {
	d, _, _ := newTestDataset(t)
	setConfig(t, d, `cmd: "echo hi > $PARCEL_PATH.txt"`+"\n")

	_, err := d.RunExport(context.Background(), "2021-03-04T050607Z")
	require.NoError(t, err)

	_, err = d.RunExport(context.Background(), "2021-03-04T050607Z")
	var exists *ParcelExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, "2021-03-04T050607Z", exists.ID)
}

func TestRunExportCommandFailure(t *testing.T) {
	d, _, _ := newTestDataset(t)
	setConfig(t, d, `cmd: "echo partial > $PARCEL_PATH.txt; exit 3"`+"\n")

	_, err := d.RunExport(context.Background(), "2021-03-04T050607Z")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export command")

	// Failed output stays in incomplete for inspection.
	_, err = os.Stat(filepath.Join(d.IncompletePath, "2021-03-04T050607Z.txt"))
	assert.NoError(t, err)
	entries, err := os.ReadDir(d.DataPath)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunExportNoOutput(t *testing.T) {
	d, _, _ := newTestDataset(t)
	setConfig(t, d, `cmd: "true"`+"\n")

	_, err := d.RunExport(context.Background(), "2021-03-04T050607Z")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not produce data")
}

func TestCollectMetricsCompleteParcel(t *testing.T) {
	d, _, _ := newTestDataset(t)
	setConfig(t, d, `metrics:
  words:
    cmd: "wc -w < $PARCEL_PATH | tr -d ' '"
  broken:
    cmd: "exit 1"
`)
	require.NoError(t, os.WriteFile(
		filepath.Join(d.DataPath, "2021-03-04T050607Z.txt"),
		[]byte("hello old friend"), 0o644))

	row, err := d.CollectMetrics(context.Background(), "2021-03-04T050607Z")
	require.NoError(t, err)
	assert.Equal(t, "2021-03-04T050607Z", row["parcel_id"])
	assert.Equal(t, "Y", row["success"])
	assert.Equal(t, "1", row["files"])
	assert.Equal(t, "16", row["bytes"])
	assert.Equal(t, "3", row["words"])
	assert.Equal(t, "ERROR", row["broken"])
}

func TestCollectMetricsIncompleteParcel(t *testing.T) {
	d, _, _ := newTestDataset(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(d.IncompletePath, "2021-03-04T050607Z.txt"),
		[]byte("12345"), 0o644))

	row, err := d.CollectMetrics(context.Background(), "2021-03-04T050607Z")
	require.NoError(t, err)
	assert.Equal(t, "N", row["success"])
	assert.Equal(t, "1", row["files"])
	assert.Equal(t, "5", row["bytes"])
}

func TestCollectMetricsNoData(t *testing.T) {
	d, _, _ := newTestDataset(t)

	row, err := d.CollectMetrics(context.Background(), "2021-03-04T050607Z")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"parcel_id": "2021-03-04T050607Z",
		"success":   "N",
	}, map[string]string(row))
}

func TestPerformExport(t *testing.T) {
	d, sink, _ := newTestDataset(t)
	setConfig(t, d, "cmd: \"echo hi > $PARCEL_PATH.txt\"\ngit: true\n")

	id, err := d.PerformExport(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "2021-03-04T050607Z", id)

	assert.Contains(t, readMetricsFile(t, d), "2021-03-04T050607Z,Y,1,3")

	require.Len(t, sink.staged, 1)
	assert.Equal(t, []string{
		"metrics.csv",
		filepath.Join("data", "2021-03-04T050607Z.txt"),
	}, sink.staged[0])
	assert.Equal(t, []string{"add new export 2021-03-04T050607Z"}, sink.commits)
}

func TestPerformExportNoCommitWhenDisabled(t *testing.T) {
	d, sink, _ := newTestDataset(t)
	setConfig(t, d, `cmd: "echo hi > $PARCEL_PATH.txt"`+"\n")

	_, err := d.PerformExport(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, sink.staged)
	assert.Empty(t, sink.commits)
}

func TestIngest(t *testing.T) {
	d, sink, _ := newTestDataset(t)
	setConfig(t, d, "git: true\n")

	src := filepath.Join(t.TempDir(), "dump.json")
	require.NoError(t, os.WriteFile(src, []byte("12345"), 0o644))

	require.NoError(t, d.Ingest(context.Background(), src, ""))

	data, err := os.ReadFile(filepath.Join(d.DataPath, "2021-03-04T050607Z.json"))
	require.NoError(t, err)
	assert.Equal(t, "12345", string(data))
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	assert.Contains(t, readMetricsFile(t, d), "2021-03-04T050607Z,Y,1,5")

	require.Len(t, sink.commits, 2)
	assert.Equal(t, "reprocess metrics for: 2021-03-04T050607Z", sink.commits[0])
	assert.Equal(t, fmt.Sprintf("ingest %s as 2021-03-04T050607Z", src), sink.commits[1])
}

func TestIngestRefusesKnownParcel(t *testing.T) {
	d, _, _ := newTestDataset(t)
	touch(t, filepath.Join(d.DataPath, "2021-03-04T050607Z.txt"))

	src := filepath.Join(t.TempDir(), "dump.json")
	require.NoError(t, os.WriteFile(src, []byte("12345"), 0o644))

	err := d.Ingest(context.Background(), src, "2021-03-04T050607Z")
	var exists *ParcelExistsError
	require.ErrorAs(t, err, &exists)

	// The source is left alone on refusal.
	_, err = os.Stat(src)
	assert.NoError(t, err)
}

func TestAutoIngest(t *testing.T) {
	d, _, clock := newTestDataset(t)
	inbox := t.TempDir()
	setConfig(t, d, fmt.Sprintf("ingest:\n  paths: %s/*.json\n  time_source: mtime\n", inbox))

	first := filepath.Join(inbox, "a.json")
	second := filepath.Join(inbox, "b.json")
	require.NoError(t, os.WriteFile(first, []byte("aa"), 0o644))
	require.NoError(t, os.WriteFile(second, []byte("bb"), 0o644))
	ts1 := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	ts2 := time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(first, ts1, ts1))
	require.NoError(t, os.Chtimes(second, ts2, ts2))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "skip.txt"), []byte("no"), 0o644))

	clock.t = time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC)
	ingested, err := d.AutoIngest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"2021-01-01T000000Z": first,
		"2021-01-02T000000Z": second,
	}, ingested)

	ids, err := d.FindParcelIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"2021-01-01T000000Z", "2021-01-02T000000Z"}, ids)
}

func TestAutoIngestNoConfig(t *testing.T) {
	d, _, _ := newTestDataset(t)

	ingested, err := d.AutoIngest(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ingested)
}

func TestAutoIngestBadTimeSource(t *testing.T) {
	d, _, _ := newTestDataset(t)
	setConfig(t, d, "ingest:\n  paths: /tmp/nowhere/*.json\n  time_source: ctime\n")

	_, err := d.AutoIngest(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "time_source")
}

func TestProcessRepeatedDays(t *testing.T) {
	d, _, clock := newTestDataset(t)
	setConfig(t, d, "cmd: \"echo day > $PARCEL_PATH.txt\"\ninterval: 1 day\n")
	clock.t = time.Date(2021, 6, 1, 8, 0, 0, 0, time.UTC)

	for day := 0; day < 9; day++ {
		ids, captured, err := d.Process(context.Background())
		require.NoError(t, err)
		assert.Empty(t, captured)
		require.Len(t, ids, 1)
		clock.Advance(24 * time.Hour)
	}

	ids, err := d.FindParcelIDs()
	require.NoError(t, err)
	assert.Len(t, ids, 9)
	assert.Equal(t, "2021-06-01T080000Z", ids[0])
	assert.Equal(t, "2021-06-09T080000Z", ids[8])

	lines := strings.Split(strings.TrimSpace(readMetricsFile(t, d)), "\n")
	assert.Len(t, lines, 10)

	// Half a day later nothing is due.
	clock.t = time.Date(2021, 6, 9, 20, 0, 0, 0, time.UTC)
	newIDs, captured, err := d.Process(context.Background())
	require.NoError(t, err)
	assert.Empty(t, captured)
	assert.Empty(t, newIDs)

	ids, err = d.FindParcelIDs()
	require.NoError(t, err)
	assert.Len(t, ids, 9)
}

func TestProcessCapturesExportFailure(t *testing.T) {
	d, _, _ := newTestDataset(t)
	setConfig(t, d, "cmd: \"exit 1\"\ninterval: 1 day\n")

	ids, captured, err := d.Process(context.Background())
	require.NoError(t, err)
	require.Len(t, captured, 1)
	assert.Contains(t, captured[0].Error(), "export command")
	require.Len(t, ids, 1)

	// The failed attempt still gets a metrics row.
	assert.Contains(t, readMetricsFile(t, d), ids[0]+",N")
}

func TestProcessCommitMessageListsIngestSources(t *testing.T) {
	d, sink, clock := newTestDataset(t)
	inbox := t.TempDir()
	setConfig(t, d, fmt.Sprintf("git: true\ningest:\n  paths: %s/*.csv\n", inbox))

	src := filepath.Join(inbox, "report.csv")
	require.NoError(t, os.WriteFile(src, []byte("a,b\n"), 0o644))
	clock.t = time.Date(2021, 7, 1, 0, 0, 0, 0, time.UTC)

	ids, captured, err := d.Process(context.Background())
	require.NoError(t, err)
	assert.Empty(t, captured)
	assert.Equal(t, []string{"2021-07-01T000000Z"}, ids)

	require.Len(t, sink.commits, 1)
	assert.Equal(t,
		"process new parcels: 2021-07-01T000000Z\n2021-07-01T000000Z was ingested from "+src,
		sink.commits[0])
	require.Len(t, sink.staged, 1)
	assert.Equal(t, []string{
		"metrics.csv",
		filepath.Join("data", "2021-07-01T000000Z.csv"),
	}, sink.staged[0])
}

func TestReprocessMetrics(t *testing.T) {
	d, sink, _ := newTestDataset(t)
	setConfig(t, d, "git: true\nmetrics:\n  greeting:\n    cmd: \"cat $PARCEL_PATH\"\n")
	require.NoError(t, os.WriteFile(
		filepath.Join(d.DataPath, "2021-03-04T050607Z.txt"),
		[]byte("hello"), 0o644))

	require.NoError(t, d.ReprocessMetrics(context.Background(),
		[]string{"2021-03-04T050607Z"}))

	content := readMetricsFile(t, d)
	assert.Contains(t, content, "parcel_id,success,files,bytes,greeting")
	assert.Contains(t, content, "2021-03-04T050607Z,Y,1,5,hello")

	require.Len(t, sink.staged, 1)
	assert.Equal(t, []string{"metrics.csv"}, sink.staged[0])
	assert.Equal(t, []string{"reprocess metrics for: 2021-03-04T050607Z"}, sink.commits)
}
