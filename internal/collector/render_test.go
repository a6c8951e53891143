package collector

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableRenderer(t *testing.T) {
	var buf bytes.Buffer
	r, err := NewRenderer("table", &buf, false, logrus.New())
	require.NoError(t, err)

	r.Render([]models.WorkerStatus{
		{Expiry: testExpiry, State: models.StateSuccess, Records: 120, Written: 360,
			LastUpdate: time.Date(2024, 9, 23, 10, 15, 42, 0, time.UTC)},
		{Expiry: models.MustParseDate("2024-10-31"), State: models.StateError, Reason: "HTTP 500"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "Expiry")
	assert.Contains(t, lines[0], "Last Update")
	assert.Contains(t, lines[1], "2024-09-26")
	assert.Contains(t, lines[1], "10:15:42")
	assert.Contains(t, lines[1], "120")
	assert.Contains(t, lines[2], "Error: HTTP 500")
	assert.Contains(t, lines[2], " - ")
	assert.NotContains(t, buf.String(), clearScreen)
}

func TestTableRenderer_Clear(t *testing.T) {
	var buf bytes.Buffer
	r, err := NewRenderer("table", &buf, true, nil)
	require.NoError(t, err)
	r.Render(nil)
	assert.True(t, strings.HasPrefix(buf.String(), clearScreen))
}

func TestLogRenderer(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r, err := NewRenderer("log", nil, false, logger)
	require.NoError(t, err)

	r.Render([]models.WorkerStatus{{Expiry: testExpiry, State: models.StateFetching}})

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "Fetching", hook.LastEntry().Data["status"])
	assert.Equal(t, "2024-09-26", hook.LastEntry().Data["expiry"])
}

func TestNewRenderer_Kinds(t *testing.T) {
	r, err := NewRenderer("none", nil, false, nil)
	require.NoError(t, err)
	assert.IsType(t, NopRenderer{}, r)

	_, err = NewRenderer("fancy", nil, false, nil)
	assert.Error(t, err)
}
