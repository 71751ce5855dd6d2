package tilereduce

import (
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// statusInterval is how often the human-facing status line refreshes.
const statusInterval = time.Second

// statusLine renders elapsed time and completed-tile count on stderr. Human
// facing only; suppressed by Config.Quiet.
type statusLine struct {
	bar     *progressbar.ProgressBar
	started time.Time
}

func newStatusLine(started time.Time) *statusLine {
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetDescription("starting workers"),
	)
	return &statusLine{bar: bar, started: started}
}

func (s *statusLine) update(done int64) {
	elapsed := time.Since(s.started).Round(time.Second)
	s.bar.Describe(fmt.Sprintf("%s elapsed, %d tiles done", elapsed, done))
	_ = s.bar.Add(1)
}

func (s *statusLine) finish(done int64) {
	s.update(done)
	_ = s.bar.Finish()
	fmt.Fprintln(os.Stderr)
}
