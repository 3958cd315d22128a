package sgtmalloc

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// DebugEnv is the environment variable enabling per-call trace output.
// Any non-empty value turns tracing on. It is read at most once per
// process, on the first allocator call.
const DebugEnv = "SGTMALLOC_DEBUG"

// debugTracer writes a one-line trace per allocator call to standard
// error when enabled.
type debugTracer struct {
	once    sync.Once
	enabled bool
	getenv  func(string) string
	log     *logrus.Logger
	out     io.Writer
}

var debug = newDebugTracer(os.Getenv, os.Stderr)

func newDebugTracer(getenv func(string) string, out io.Writer) *debugTracer {
	return &debugTracer{getenv: getenv, out: out}
}

func (d *debugTracer) init() {
	d.once.Do(func() {
		d.enabled = d.getenv(DebugEnv) != ""
		if !d.enabled {
			return
		}
		d.log = logrus.New()
		d.log.SetOutput(d.out)
		d.log.SetLevel(logrus.DebugLevel)
		d.log.SetFormatter(&logrus.TextFormatter{
			DisableTimestamp: true,
		})
	})
}

// trace logs one line for an allocator call.
func (d *debugTracer) trace(op string, fields logrus.Fields) {
	d.init()
	if !d.enabled {
		return
	}
	d.log.WithFields(fields).Debug(op)
}

// error logs a caller contract violation observed during op.
func (d *debugTracer) error(op string, err error) {
	d.init()
	if !d.enabled {
		return
	}
	d.log.WithError(err).Error(op)
}
