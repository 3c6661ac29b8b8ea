package prettylog_test

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/gematik/zero-ekmf/pkg/prettylog"
	"github.com/stretchr/testify/assert"
)

type secret string

func (secret) ToLog() any { return "***" }

func TestHandler(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	log := slog.New(prettylog.NewHandlerWithOptions(prettylog.Options{Level: level, Writer: &buf, NoColor: true}))

	log.Debug("hidden")
	assert.Empty(t, buf.String())

	log.With("component", "client").WithGroup("req").Info("Key retrieved",
		"size", 120,
		"token", secret("abc"),
		"blob", []byte{1, 2, 3},
		"error", errors.New("boom"),
	)
	out := buf.String()
	assert.Contains(t, out, "INFO: Key retrieved")
	assert.Contains(t, out, `"component": "client"`)
	assert.Contains(t, out, `"req.size": 120`)
	assert.Contains(t, out, `"req.token": "***"`)
	assert.Contains(t, out, `"req.blob": "3 bytes"`)
	assert.Contains(t, out, `"req.error": "boom"`)
	assert.NotContains(t, out, "abc")
	assert.NotContains(t, out, "\033[")

	buf.Reset()
	level.Set(slog.LevelDebug)
	log.Debug("now visible")
	assert.True(t, strings.HasSuffix(buf.String(), "DEBUG: now visible\n"), buf.String())
}
