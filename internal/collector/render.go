package collector

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/sirupsen/logrus"
)

// Renderer presents a status snapshot. Render is called from the supervisor
// goroutine only.
type Renderer interface {
	Render(statuses []models.WorkerStatus)
}

// NewRenderer returns the renderer for kind: "table", "log" or "none".
func NewRenderer(kind string, out io.Writer, clear bool, logger logrus.FieldLogger) (Renderer, error) {
	switch kind {
	case "table":
		return &TableRenderer{out: out, clear: clear}, nil
	case "log":
		return &LogRenderer{logger: logger}, nil
	case "none", "":
		return NopRenderer{}, nil
	default:
		return nil, fmt.Errorf("unknown renderer %q", kind)
	}
}

// TableRenderer writes an aligned progress table.
type TableRenderer struct {
	out   io.Writer
	clear bool
}

const clearScreen = "\033[H\033[2J"

func (r *TableRenderer) Render(statuses []models.WorkerStatus) {
	if r.clear {
		_, _ = io.WriteString(r.out, clearScreen)
	}
	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "Expiry\tStatus\tLast Update\tRecords\tWritten")
	for _, st := range statuses {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
			st.Expiry, st.Label(), formatUpdate(st.LastUpdate), st.Records, st.Written)
	}
	_ = tw.Flush()
}

// LogRenderer emits one log line per expiry.
type LogRenderer struct {
	logger logrus.FieldLogger
}

func (r *LogRenderer) Render(statuses []models.WorkerStatus) {
	for _, st := range statuses {
		r.logger.WithFields(logrus.Fields{
			"expiry":      st.Expiry.String(),
			"status":      st.Label(),
			"last_update": formatUpdate(st.LastUpdate),
			"records":     st.Records,
			"written":     st.Written,
		}).Info("Worker status")
	}
}

// NopRenderer discards snapshots.
type NopRenderer struct{}

func (NopRenderer) Render([]models.WorkerStatus) {}

func formatUpdate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("15:04:05")
}
