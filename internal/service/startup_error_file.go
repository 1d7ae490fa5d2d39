package service

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StartupErrorFileName is written next to the log files when boot fails.
const StartupErrorFileName = "startup-error.log"

// WriteStartupErrorFile records a boot failure that happened before the
// logger was initialised. Only the most recent error is kept.
func WriteStartupErrorFile(logDir string, err error) {
	_ = os.MkdirAll(logDir, 0755)

	f, ferr := os.Create(filepath.Join(logDir, StartupErrorFileName))
	if ferr != nil {
		return
	}
	defer f.Close()

	ts := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(f, "[%s] %s STARTUP ERROR\n%v\n", ts, Name, err)
}
