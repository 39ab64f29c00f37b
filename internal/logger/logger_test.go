package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLevels(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, New("debug", "text").GetLevel())
	assert.Equal(t, logrus.WarnLevel, New("warn", "text").GetLevel())
	assert.Equal(t, logrus.ErrorLevel, New("error", "json").GetLevel())
	assert.Equal(t, logrus.InfoLevel, New("bogus", "text").GetLevel())
}

func TestNewFormat(t *testing.T) {
	_, ok := New("info", "json").Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
	_, ok = New("info", "text").Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	l := New("info", "text")
	assert.Same(t, l, OrDiscard(l))
}
