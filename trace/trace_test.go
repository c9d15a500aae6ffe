package trace

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/guileen/pgnd/logger"
)

func newBufferedTracer(enabled bool) (*Tracer, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	log := logger.NewLogger(logger.Config{Level: logger.LevelTrace, Format: "text", Writer: buf})
	return New(log, enabled), buf
}

func TestEnterReturn(t *testing.T) {
	tr, buf := newBufferedTracer(true)

	func() (err error) {
		defer tr.Enter(context.Background(), "driver.NewConnection", "persistent", false)(&err)
		return errors.New("boom")
	}()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], ">driver.NewConnection")
	assert.Contains(t, lines[0], "level=TRACE")
	assert.Contains(t, lines[1], "<driver.NewConnection")
	assert.Contains(t, lines[1], "error=boom")
}

func TestDisabledAndNil(t *testing.T) {
	tr, buf := newBufferedTracer(false)
	tr.Enter(context.Background(), "op")(nil)
	assert.Zero(t, buf.Len())

	var none *Tracer
	assert.False(t, none.Enabled())
	none.Enter(context.Background(), "op")(nil)
	none.SetEnabled(true)

	tr.SetEnabled(true)
	assert.True(t, tr.Enabled())
	assert.NoError(t, tr.Shutdown())
	assert.False(t, tr.Enabled())
}
