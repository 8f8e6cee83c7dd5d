//go:build linux

package main

import (
	"io"

	"github.com/schollz/progressbar/v3"
	"go.viam.com/rdk/logging"

	"github.com/senic/hub/subsystems/onboarding"
)

// progressListener renders attempt progress into the log.
type progressListener struct {
	onboarding.NopListener
	bar    *progressbar.ProgressBar
	logger logging.Logger
}

func newProgressListener(logger logging.Logger, attempts int) *progressListener {
	bar := progressbar.NewOptions(
		attempts,
		progressbar.OptionSetDescription("Nuimo onboarding"),
		progressbar.OptionSetWriter(io.Discard),
		progressbar.OptionSetWidth(10),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(0),
	)
	if err := bar.RenderBlank(); err != nil {
		logger.Warn(err)
	}
	return &progressListener{bar: bar, logger: logger}
}

func (p *progressListener) EventReceived(ev onboarding.Event) {
	switch ev.Kind {
	case onboarding.EventRestarting:
		if err := p.bar.Add(1); err != nil {
			p.logger.Debug(err)
		}
	case onboarding.EventFinished:
		if ev.Address != "" {
			if err := p.bar.Finish(); err != nil {
				p.logger.Debug(err)
			}
		}
	default:
		return
	}
	p.logger.Info(p.bar.String())
}
