package cli

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"

	"filebridge/events"
)

// jobProgress renders the progress events of one job as a bar.
type jobProgress struct {
	w     io.Writer
	jobID string
	bar   *progressbar.ProgressBar
}

func newJobProgress(w io.Writer, jobID string) *jobProgress {
	return &jobProgress{w: w, jobID: jobID}
}

func (p *jobProgress) start(total int) {
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionSetDescription("copying"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(p.w, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// handle reports whether e ended the job.
func (p *jobProgress) handle(e events.Event) bool {
	if e.JobID != p.jobID {
		return false
	}
	if p.bar == nil {
		p.start(e.Total)
	}
	switch e.Kind {
	case events.JobProgress:
		if e.Path != "" {
			p.bar.Describe(e.Path)
		}
		_ = p.bar.Set(e.Completed)
	case events.JobCompleted:
		_ = p.bar.Finish()
		return true
	case events.JobFailed:
		_ = p.bar.Exit()
		fmt.Fprintf(p.w, "\nError: %s\n", e.Error)
		return true
	}
	return false
}
