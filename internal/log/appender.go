package log

import "io"

type appender struct {
	w     io.Writer
	owned bool // opened by the MultiWriter, closed with it
}

// MultiWriter is the output of the global logger: stdout plus the rotating
// file from log.file when enabled. Every line goes to every appender; a
// failing appender does not stop the others and the last error is reported.
type MultiWriter struct {
	appenders []appender
}

func NewMultiWriter() *MultiWriter {
	return &MultiWriter{}
}

func (m *MultiWriter) Write(p []byte) (int, error) {
	var err error
	for _, a := range m.appenders {
		if _, e := a.w.Write(p); e != nil {
			err = e
		}
	}
	return len(p), err
}

// Add appends a writer owned by the caller.
func (m *MultiWriter) Add(w io.Writer) *MultiWriter {
	m.appenders = append(m.appenders, appender{w: w})
	return m
}

// Close closes the appenders opened by the MultiWriter and keeps the rest.
func (m *MultiWriter) Close() error {
	var err error
	kept := m.appenders[:0]
	for _, a := range m.appenders {
		if !a.owned {
			kept = append(kept, a)
			continue
		}
		if c, ok := a.w.(io.Closer); ok {
			if e := c.Close(); e != nil {
				err = e
			}
		}
	}
	m.appenders = kept
	return err
}
