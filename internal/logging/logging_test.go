package logging

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewLoggerLevelFallback(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, NewLogger(Config{}).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger(Config{Level: "chatty"}).GetLevel())
	assert.Equal(t, zerolog.DebugLevel, NewLogger(Config{Level: "DEBUG"}).GetLevel())
}

func TestWriterForSelectsOutput(t *testing.T) {
	assert.Equal(t, os.Stdout, writerFor(Config{}))
	assert.Equal(t, os.Stderr, writerFor(Config{Output: "stderr"}))

	console, ok := writerFor(Config{Format: "console", Output: "stderr", NoColor: true}).(zerolog.ConsoleWriter)
	assert.True(t, ok)
	assert.Equal(t, os.Stderr, console.Out)
	assert.True(t, console.NoColor)
}
