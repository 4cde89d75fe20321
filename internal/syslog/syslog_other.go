//go:build !unix

package syslog

import (
	"errors"
	"io"
)

func newSyslogWriter(string) (io.Writer, error) {
	return nil, errors.New("syslog is not supported on this platform")
}
