// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package log provides the leveled logger the pe package reports
// recoverable parse problems through. The interface is deliberately
// small: anything that can log leveled key/value pairs can be plugged in
// via Options.Logger.
package log

import (
	"fmt"
	"io"
	"log"
	"sync"
)

// Logger is a logger interface.
type Logger interface {
	Log(level Level, keyvals ...interface{}) error
}

type stdLogger struct {
	log  *log.Logger
	pool *sync.Pool
}

// NewStdLogger returns a Logger writing human-readable lines to w.
func NewStdLogger(w io.Writer) Logger {
	return &stdLogger{
		log: log.New(w, "", 0),
		pool: &sync.Pool{
			New: func() interface{} {
				return new(bytes)
			},
		},
	}
}

type bytes []byte

// Log prints the keyvals to the underlying writer.
func (l *stdLogger) Log(level Level, keyvals ...interface{}) error {
	if len(keyvals) == 0 {
		return nil
	}
	if (len(keyvals) & 1) == 1 {
		keyvals = append(keyvals, "KEYVALS UNPAIRED")
	}

	buf := l.pool.Get().(*bytes)
	defer l.pool.Put(buf)

	*buf = append(*buf, level.String()...)
	for i := 0; i < len(keyvals); i += 2 {
		*buf = append(*buf, fmt.Sprintf(" %s=%v", keyvals[i], keyvals[i+1])...)
	}
	l.log.Output(4, string(*buf)) //nolint:errcheck
	*buf = (*buf)[:0]

	return nil
}
