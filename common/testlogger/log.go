// Package testlogger builds loggers for tests.
package testlogger

import (
	"os"
	"testing"

	"github.com/medfl/fedavg/common/log"
)

// Level returns DebugLevel when FEDAVG_TEST_LOGS=DEBUG and InfoLevel otherwise.
func Level(t testing.TB) int {
	if v, ok := os.LookupEnv(log.TestLogsEnv); ok && v == "DEBUG" {
		t.Log("Enabling DebugLevel logs")
		return log.DebugLevel
	}
	return log.InfoLevel
}

// New returns a JSON logger tagged with the test name.
func New(t testing.TB) log.Logger {
	return log.New(nil, Level(t), true).With("testName", t.Name())
}
