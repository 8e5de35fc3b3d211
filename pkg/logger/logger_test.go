package logger

import (
	"bytes"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		isErr    bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{" notice ", NoticeLevel, false},
		{"error", ErrorLevel, false},
		{"verbose", InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.isErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestShortAddress(t *testing.T) {
	assert.Equal(t, "c3a8", ShortAddress("0x35774A4E1fFEee74Fa3859F89cfae00b3aC8c3a8"))
	assert.Equal(t, "abc", ShortAddress("abc"))
}

func TestStdLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	log.SetFlags(0)
	defer log.SetFlags(log.LstdFlags)

	l := NewStdLogger(false, NoticeLevel)
	l.Debug("debug %d", 1)
	l.Info("info %d", 2)
	l.NoticeWithWallet("0x00000000000000000000000000000000000000ab", "notice %d", 3)
	l.Error("error %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "debug 1")
	assert.NotContains(t, out, "info 2")
	assert.Contains(t, out, "[NOTICE] [..00ab] notice 3")
	assert.Contains(t, out, "[ERROR]  error 4")
}
