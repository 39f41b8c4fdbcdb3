package sipinspect

import (
	gosiplog "github.com/ghettovoice/gosip/log"
	"github.com/sirupsen/logrus"

	"firestige.xyz/layers/internal/log"
)

var _ gosiplog.Logger = (*logAdapter)(nil)

// logAdapter lets the gosip parser log through our logrus entry.
type logAdapter struct {
	entry  *logrus.Entry
	prefix string
}

func newLogAdapter() *logAdapter {
	return &logAdapter{entry: log.Entry(log.GetLogger())}
}

func (la *logAdapter) Fields() gosiplog.Fields {
	return gosiplog.Fields(la.entry.Data)
}

func (la *logAdapter) WithFields(fields map[string]interface{}) gosiplog.Logger {
	return &logAdapter{entry: la.entry.WithFields(fields), prefix: la.prefix}
}

func (la *logAdapter) Prefix() string { return la.prefix }

func (la *logAdapter) WithPrefix(prefix string) gosiplog.Logger {
	return &logAdapter{entry: la.entry.WithField("prefix", prefix), prefix: prefix}
}

func (la *logAdapter) Print(args ...interface{})                 { la.entry.Print(args...) }
func (la *logAdapter) Printf(format string, args ...interface{}) { la.entry.Printf(format, args...) }
func (la *logAdapter) Trace(args ...interface{})                 { la.entry.Trace(args...) }
func (la *logAdapter) Tracef(format string, args ...interface{}) { la.entry.Tracef(format, args...) }
func (la *logAdapter) Debug(args ...interface{})                 { la.entry.Debug(args...) }
func (la *logAdapter) Debugf(format string, args ...interface{}) { la.entry.Debugf(format, args...) }
func (la *logAdapter) Info(args ...interface{})                  { la.entry.Info(args...) }
func (la *logAdapter) Infof(format string, args ...interface{})  { la.entry.Infof(format, args...) }
func (la *logAdapter) Warn(args ...interface{})                  { la.entry.Warn(args...) }
func (la *logAdapter) Warnf(format string, args ...interface{})  { la.entry.Warnf(format, args...) }
func (la *logAdapter) Error(args ...interface{})                 { la.entry.Error(args...) }
func (la *logAdapter) Errorf(format string, args ...interface{}) { la.entry.Errorf(format, args...) }
func (la *logAdapter) Fatal(args ...interface{})                 { la.entry.Fatal(args...) }
func (la *logAdapter) Fatalf(format string, args ...interface{}) { la.entry.Fatalf(format, args...) }
func (la *logAdapter) Panic(args ...interface{})                 { la.entry.Panic(args...) }
func (la *logAdapter) Panicf(format string, args ...interface{}) { la.entry.Panicf(format, args...) }

// SetLevel is a no-op; the level belongs to the process logger.
func (la *logAdapter) SetLevel(uint32) {}
