package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-io/diskprov/pkg/errors"
)

func TestCollector_Counts(t *testing.T) {
	c := NewCollector()

	c.JobFinished("create_partition", "polled", "succeeded", 2*time.Second)
	c.JobFinished("create_partition", "polled", "failed", time.Second)
	c.JobFinished("format_volume", "blocking", "succeeded", time.Second)
	c.VolumeMatched(1, false)
	c.VolumeMatched(3, true)
	c.PartitionProvisioned("ntfs")
	c.PartitionProvisioned("")
	c.RunFinished(nil)
	c.RunFinished(errors.ErrDiskNotFound)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobOutcomes.WithLabelValues("create_partition", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.matchFallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.partitions.WithLabelValues("none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "diskprov_job_duration_seconds"))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.JobFinished("x", "polled", "succeeded", time.Second)
	c.VolumeMatched(1, true)
	c.PartitionProvisioned("ntfs")
	c.RunFinished(nil)
	assert.NoError(t, c.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestWriteTextfile(t *testing.T) {
	c := NewCollector()
	c.RunFinished(nil)

	path := filepath.Join(t.TempDir(), "diskprov.prom")
	require.NoError(t, c.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `diskprov_runs_total{result="succeeded"} 1`), string(data))
}
