package store

import (
	"fmt"

	"github.com/nghessss/pBFT-no-fork/internal/logging"
)

// badgerLogAdapter satisfies badger.Logger by forwarding to the
// replica's own structured logger, so badger's internal diagnostics
// end up in the same log stream as everything else.
type badgerLogAdapter struct {
	log logging.Logger
}

func (a badgerLogAdapter) Errorf(f string, args ...interface{}) {
	if a.log != nil {
		a.log.Error(fmt.Sprintf(f, args...))
	}
}

func (a badgerLogAdapter) Warningf(f string, args ...interface{}) {
	if a.log != nil {
		a.log.Warn(fmt.Sprintf(f, args...))
	}
}

func (a badgerLogAdapter) Infof(f string, args ...interface{}) {
	if a.log != nil {
		a.log.Info(fmt.Sprintf(f, args...))
	}
}

func (a badgerLogAdapter) Debugf(f string, args ...interface{}) {
	if a.log != nil {
		a.log.Debug(fmt.Sprintf(f, args...))
	}
}
