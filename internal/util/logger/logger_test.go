package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"INFO":  zapcore.InfoLevel,
		" warn": zapcore.WarnLevel,
		"Error": zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, ok := ParseLevel(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ParseLevel("verbose")
	assert.False(t, ok)
}

func TestSetLevelIgnoresUnknownNames(t *testing.T) {
	ReplaceGlobal(&Config{Level: "error", Format: "console"})
	assert.Equal(t, zapcore.ErrorLevel, Level())

	assert.True(t, SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, Level())

	assert.False(t, SetLevel("loud"))
	assert.Equal(t, zapcore.DebugLevel, Level())

	assert.True(t, SetLevel("error"))
}
