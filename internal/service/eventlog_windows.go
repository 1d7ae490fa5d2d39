//go:build windows

package service

import (
	"fmt"

	"golang.org/x/sys/windows/svc/eventlog"
)

// ReportStartupError writes a startup error to the Windows Event Log so
// "net start" and Event Viewer show it before the logger is up.
func ReportStartupError(serviceName string, err error) {
	_ = eventlog.InstallAsEventCreate(serviceName, eventlog.Error|eventlog.Warning|eventlog.Info)

	elog, openErr := eventlog.Open(serviceName)
	if openErr != nil {
		return
	}
	defer elog.Close()

	elog.Error(1, fmt.Sprintf("%s failed to start: %v", serviceName, err))
}
