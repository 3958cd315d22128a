package sgtmalloc

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestDebugTracer_Disabled(t *testing.T) {
	var buf bytes.Buffer
	reads := 0
	d := newDebugTracer(func(name string) string {
		reads++
		assert.Equal(t, DebugEnv, name)
		return ""
	}, &buf)

	d.trace("malloc", logrus.Fields{"size": 64})
	d.trace("free", logrus.Fields{"ptr": 0})
	d.error("free", errors.New("bad pointer"))

	assert.Zero(t, buf.Len())
	assert.Equal(t, 1, reads, "environment is read at most once")
}

func TestDebugTracer_Enabled(t *testing.T) {
	var buf bytes.Buffer
	reads := 0
	d := newDebugTracer(func(string) string {
		reads++
		return "1"
	}, &buf)

	d.trace("malloc", logrus.Fields{"size": 64})
	d.trace("free", logrus.Fields{"ptr": 0x1000})

	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Len(t, lines, 2, "one line per allocator call")
	assert.Contains(t, lines[0], "malloc")
	assert.Contains(t, lines[0], "size=64")
	assert.Contains(t, lines[1], "free")
	assert.Equal(t, 1, reads)
}

func TestDebugTracer_ErrorLine(t *testing.T) {
	var buf bytes.Buffer
	d := newDebugTracer(func(string) string { return "yes" }, &buf)

	d.error("free", errors.New("pointer not inside the backing region"))

	assert.Contains(t, buf.String(), "free")
	assert.Contains(t, buf.String(), "pointer not inside the backing region")
}
