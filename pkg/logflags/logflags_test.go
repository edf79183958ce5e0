package logflags

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}

func TestMakeLogger_usingLoggerFactory(t *testing.T) {
	defer reset()
	logOut = &bufferWriter{}

	expectedLogger := &logrusLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, out io.Writer) Logger {
		assert.Equal(t, logrus.DebugLevel, level)
		assert.Equal(t, Fields{"foo": "bar"}, fields)
		assert.Equal(t, logOut, out)
		return expectedLogger
	})

	actual := makeLogger(logrus.DebugLevel, Fields{"foo": "bar"})
	assert.Same(t, expectedLogger, actual)
}

func TestMakeFlaggableLogger_withFlagFalse(t *testing.T) {
	defer reset()

	actual := makeFlaggableLogger(false, Fields{"foo": "bar"})
	entry, ok := actual.(*logrusLogger)
	require.True(t, ok)
	assert.Equal(t, logrus.ErrorLevel, entry.Entry.Logger.Level)
	assert.Equal(t, "bar", entry.Entry.Data["foo"])
}

func TestMakeFlaggableLogger_withFlagTrue(t *testing.T) {
	defer reset()

	actual := makeFlaggableLogger(true, Fields{"foo": "bar"})
	entry, ok := actual.(*logrusLogger)
	require.True(t, ok)
	assert.Equal(t, logrus.DebugLevel, entry.Entry.Logger.Level)
}

func TestMakeLogger_usingDefaultBehavior(t *testing.T) {
	defer reset()
	out := &bufferWriter{}
	logOut = out

	actual := makeLogger(logrus.DebugLevel, Fields{"layer": "target"})
	entry, ok := actual.(*logrusLogger)
	require.True(t, ok)
	assert.Equal(t, out, entry.Entry.Logger.Out)
	assert.Equal(t, textFormatterInstance, entry.Entry.Logger.Formatter)

	actual.Errorf("could not stop process %d", 42)
	assert.Contains(t, out.String(), "could not stop process 42")
	assert.Contains(t, out.String(), "layer=target")
}

func TestSetup(t *testing.T) {
	defer reset()

	require.Equal(t, errLogstrWithoutLog, Setup(false, "native", ""))

	require.NoError(t, Setup(true, "native, shell", ""))
	assert.False(t, target)
	assert.True(t, native)
	assert.True(t, shell)

	reset()
	require.NoError(t, Setup(true, "", ""))
	assert.True(t, target)
	assert.False(t, native)
}
