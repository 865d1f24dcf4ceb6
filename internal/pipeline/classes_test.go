package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartograph-io/cartograph/internal/queue"
)

func TestDefaultClassesCoverEveryQueue(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	classes := DefaultClasses()
	require.Len(t, classes, len(queue.AllQueues()))

	byQueue := make(map[string]Class, len(classes))
	for _, c := range classes {
		byQueue[c.Queue] = c
	}

	for _, q := range queue.AllQueues() {
		c, ok := byQueue[q]
		require.True(t, ok, "no class registered for queue %s", q)
		assert.GreaterOrEqual(t, c.Config.Min, 1, "%s min", q)
		assert.GreaterOrEqual(t, c.Config.Max, c.Config.Min, "%s bounds", q)
		assert.Positive(t, c.Config.Priority, "%s priority", q)
		assert.Positive(t, c.Config.RateLimit.Requests, "%s rate", q)
	}
}

func TestLoadOverrides(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	o, err := LoadOverrides("")
	require.NoError(t, err)
	assert.Nil(t, o, "empty path must load nothing")

	path := filepath.Join(t.TempDir(), "cartograph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
classes:
  file-analysis:
    max: 8
    rate:
      requests: 4
      window: 1s
  triangulation:
    min: 2
`), 0o644))

	o, err = LoadOverrides(path)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Len(t, o.Classes, 2)
	assert.Equal(t, 8, o.Classes["file-analysis"].Max)
	assert.Equal(t, 2, o.Classes["triangulation"].Min)
}

func TestLoadOverridesRejectsBadFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := LoadOverrides(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("classes: [not: a: map"), 0o644))
	_, err = LoadOverrides(path)
	assert.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	o := &Overrides{Classes: map[string]ClassOverride{
		queue.QueueFileAnalysis: func() ClassOverride {
			ov := ClassOverride{Min: 4, Max: 16, Priority: 50}
			ov.Rate.Requests = 2
			ov.Rate.Window = time.Minute
			return ov
		}(),
	}}

	classes, err := ApplyOverrides(DefaultClasses(), o)
	require.NoError(t, err)

	var fa *Class
	for i := range classes {
		if classes[i].Queue == queue.QueueFileAnalysis {
			fa = &classes[i]
		}
	}
	require.NotNil(t, fa)
	assert.Equal(t, 4, fa.Config.Min)
	assert.Equal(t, 16, fa.Config.Max)
	assert.Equal(t, 50, fa.Config.Priority)
	assert.Equal(t, 2, fa.Config.RateLimit.Requests)
	assert.Equal(t, time.Minute, fa.Config.RateLimit.Window)
}

func TestApplyOverridesPartialKeepsDefaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defaults := DefaultClasses()
	var want Class
	for _, c := range defaults {
		if c.Queue == queue.QueueValidation {
			want = c
		}
	}

	o := &Overrides{Classes: map[string]ClassOverride{
		queue.QueueValidation: {Max: 5},
	}}

	classes, err := ApplyOverrides(DefaultClasses(), o)
	require.NoError(t, err)

	for _, c := range classes {
		if c.Queue != queue.QueueValidation {
			continue
		}
		assert.Equal(t, 5, c.Config.Max)
		assert.Equal(t, want.Config.Min, c.Config.Min, "untouched fields keep defaults")
		assert.Equal(t, want.Config.Priority, c.Config.Priority)
		assert.Equal(t, want.Config.RateLimit, c.Config.RateLimit)
	}
}

func TestApplyOverridesRejectsUnknownClass(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	o := &Overrides{Classes: map[string]ClassOverride{"file-anlysis": {Max: 8}}}
	_, err := ApplyOverrides(DefaultClasses(), o)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown worker class")
}
