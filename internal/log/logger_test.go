package log

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestResolveLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, resolveLevel("development", ""))
	assert.Equal(t, zerolog.InfoLevel, resolveLevel("production", ""))
	assert.Equal(t, zerolog.WarnLevel, resolveLevel("production", "WARN"))
	assert.Equal(t, zerolog.InfoLevel, resolveLevel("production", "loud"))
}
