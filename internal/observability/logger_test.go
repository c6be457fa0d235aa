package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bihealth/hpc-access-cli/internal/config"
)

func TestInitializeConsoleLogger(t *testing.T) {
	ResetForTest()
	var buf bytes.Buffer

	Initialize(config.LoggerConfig{Level: "debug", Format: "console"}, zapcore.AddSync(&buf))
	logger := GetLogger()
	logger.Info("directory scan finished")
	Sync()

	output := buf.String()
	assert.Contains(t, output, "INFO")
	assert.Contains(t, output, "directory scan finished")
	assert.Contains(t, output, loggerName+".")
	// Info lines are colorized on the console sink.
	assert.Contains(t, output, colorGreen)
	assert.Contains(t, output, colorReset)
}

func TestInitializeJSONLogger(t *testing.T) {
	ResetForTest()
	var buf bytes.Buffer

	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&buf))
	GetLogger().Warn("quota exceeded", zap.String("path", "/data/cephfs-1/home/users/doej"))
	Sync()

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, loggerName, entry["logger"])
	assert.Equal(t, "quota exceeded", entry["msg"])
	assert.Equal(t, "/data/cephfs-1/home/users/doej", entry["path"])
}

func TestInitializeFileSink(t *testing.T) {
	ResetForTest()
	logFile := filepath.Join(t.TempDir(), "cli.log")

	Initialize(config.LoggerConfig{
		Level:   "debug",
		Format:  "json",
		LogFile: logFile,
		MaxSize: 1,
	}, zapcore.AddSync(&bytes.Buffer{}))
	GetLogger().Error("this should go to the file")
	Sync()

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "this should go to the file")
}

func TestInitializeOnlyOnce(t *testing.T) {
	ResetForTest()
	var first, second bytes.Buffer

	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&first))
	logger1 := GetLogger()

	// A second initialization must not replace the logger.
	Initialize(config.LoggerConfig{Level: "debug", Format: "console"}, zapcore.AddSync(&second))
	logger2 := GetLogger()

	assert.Same(t, logger1, logger2)
	logger2.Info("only once")
	Sync()
	assert.Contains(t, first.String(), "only once")
	assert.Empty(t, second.String())
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	// Without initialization a usable fallback logger is handed out.
	logger := GetLogger()
	require.NotNil(t, logger)
}
