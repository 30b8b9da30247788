package main

//
// Logging functionality
//

import (
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/bencvt/lagproxy/internal/model"
)

// newLogger creates the logger honoring the -q and -v flags. With -q
// we discard all output; -q wins over -v.
func newLogger(quiet, verbose bool) model.Logger {
	if quiet {
		return model.DiscardLogger
	}
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	return &log.Logger{
		Level:   level,
		Handler: &logHandler{Writer: os.Stderr},
	}
}

// logHandler implements the log handler required by github.com/apex/log
type logHandler struct {
	// Writer is the underlying writer
	io.Writer
}

var _ log.Handler = &logHandler{}

// HandleLog implements log.Handler
func (h *logHandler) HandleLog(e *log.Entry) (err error) {
	s := fmt.Sprintf("%s <%s> %s", e.Timestamp.Format("2006-01-02 15:04:05.000"), e.Level, e.Message)
	if len(e.Fields) > 0 {
		s += fmt.Sprintf(": %+v", e.Fields)
	}
	s += "\n"
	_, err = h.Writer.Write([]byte(s))
	return
}
