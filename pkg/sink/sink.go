// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sink provides the output side of the log pipeline: a sink
// takes complete serialized records and owns its own locking.
package sink

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"

	stdlog "log"

	"github.com/easyCZ/logrotate"
	"github.com/pkg/errors"
	"github.com/wissance/stringFormatter"
)

type (
	// Sink consumes complete records; implementations serialize their
	// own writes, callers never lock around them.
	Sink interface {
		Name() string
		Write(record []byte) error
		Flush() error
		Close() error
	}

	// LockedWriter is a mutex-guarded buffered sink over any io.Writer.
	LockedWriter struct {
		name   string
		mu     sync.Mutex
		writer *bufio.Writer
		closer io.Closer
	}

	// Capture accumulates records in memory; the ordered pipeline mode
	// uses it to render a packet's records before publishing them.
	Capture struct {
		records []byte
	}
)

var errSinkClosed = errors.New("sink is closed")

func NewLockedWriter(name string, w io.Writer) *LockedWriter {
	lw := &LockedWriter{
		name:   name,
		writer: bufio.NewWriterSize(w, 64*1024),
	}
	if closer, ok := w.(io.Closer); ok {
		lw.closer = closer
	}
	return lw
}

// NewStdoutSink returns a locked sink over standard output.
func NewStdoutSink() *LockedWriter {
	lw := NewLockedWriter("stdout", os.Stdout)
	lw.closer = nil // never close stdout
	return lw
}

// NewRotatingFileSink returns a locked sink writing to `fileName`
// inside `directory`, rotated by size.
func NewRotatingFileSink(directory, fileName string, maxFileSize int64) (*LockedWriter, error) {
	writer, err := logrotate.New(
		stdlog.New(os.Stderr, "[logrotate] - ", stdlog.LstdFlags),
		logrotate.Options{
			Directory:            directory,
			MaximumFileSize:      maxFileSize,
			FlushAfterEveryWrite: false,
			FileNameFunc:         func() string { return fileName },
		})
	if err != nil {
		return nil, errors.Wrap(err, "rotating sink unavailable")
	}
	name := stringFormatter.Format("file/{0}", filepath.Join(directory, fileName))
	return NewLockedWriter(name, writer), nil
}

func (s *LockedWriter) Name() string {
	return s.name
}

func (s *LockedWriter) Write(record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return errSinkClosed
	}
	if _, err := s.writer.Write(record); err != nil {
		return errors.Wrap(err, s.name)
	}
	return nil
}

func (s *LockedWriter) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return errSinkClosed
	}
	return s.writer.Flush()
}

func (s *LockedWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	err := s.writer.Flush()
	if s.closer != nil {
		if closeErr := s.closer.Close(); err == nil {
			err = closeErr
		}
	}
	s.writer = nil
	return err
}

func NewCapture() *Capture {
	return &Capture{}
}

func (c *Capture) Name() string {
	return "capture"
}

func (c *Capture) Write(record []byte) error {
	c.records = append(c.records, record...)
	return nil
}

func (c *Capture) Flush() error { return nil }
func (c *Capture) Close() error { return nil }

// Take returns the accumulated records and resets the capture.
func (c *Capture) Take() []byte {
	records := c.records
	c.records = nil
	return records
}
