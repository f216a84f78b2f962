// Package logging standardizes logrus configuration across the servient and
// its protocol bindings: ISO8601 timestamps, caller file:line annotation and
// a single place to redirect output to a file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// SetLogging sets the logging level and output file.
//
//	levelName is the requested logging level: "error", "warning", "info", "debug"
//	filename is the output log file full name including path, use "" for stderr
//
// Returns an error if filename is set but cannot be opened; logging still
// falls back to stderr in that case.
func SetLogging(levelName string, filename string) error {
	loggingLevel := logrus.WarnLevel
	logrus.SetReportCaller(true)

	if levelName != "" {
		switch strings.ToLower(levelName) {
		case "error":
			loggingLevel = logrus.ErrorLevel
		case "warn", "warning":
			loggingLevel = logrus.WarnLevel
		case "info":
			loggingLevel = logrus.InfoLevel
		case "debug":
			loggingLevel = logrus.DebugLevel
		}
	}

	var logOut io.Writer = os.Stderr
	var openErr error
	if filename != "" {
		logFileHandle, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			openErr = fmt.Errorf("SetLogging: unable to open logfile %q: %w", filename, err)
		} else {
			logOut = io.MultiWriter(logOut, logFileHandle)
		}
	}

	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:   false,
		ForceColors:     true,
		PadLevelText:    true,
		TimestampFormat: "2006-01-02T15:04:05.000-0700",
		FullTimestamp:   true,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			funcName := f.Func.Name()
			names := strings.Split(funcName, ".")
			if len(names) > 1 {
				funcName = names[len(names)-1]
			}
			_, funcName = path.Split(funcName)
			funcName += "(): "
			fileInfo := fmt.Sprintf(" %s:%v", path.Base(f.File), f.Line)
			return funcName, fileInfo
		},
	})
	logrus.SetOutput(logOut)
	logrus.SetLevel(loggingLevel)

	return openErr
}
