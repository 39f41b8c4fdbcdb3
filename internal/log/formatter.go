package log

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type formatter struct {
	pattern string
	time    string
	caller  bool
}

// Format renders an entry through the pattern. Supported placeholders:
// %time, %level, %field, %msg, %caller, %func, %goroutine.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	output := f.pattern
	output = strings.Replace(output, "%time", entry.Time.Format(f.time), 1)
	output = strings.Replace(output, "%level", entry.Level.String(), 1)
	output = strings.Replace(output, "%field", buildFields(entry), 1)
	output = strings.Replace(output, "%msg", entry.Message, 1)
	if f.caller {
		output = strings.Replace(output, "%caller", getCaller(), 1)
		output = strings.Replace(output, "%func", getFunc(), 1)
	}
	output = strings.Replace(output, "%goroutine", getGoroutineID(), 1)
	return []byte(output), nil
}

func patternNeedsCaller(pattern string) bool {
	return strings.Contains(pattern, "%caller") || strings.Contains(pattern, "%func")
}

// callerFrame finds the first frame outside logrus and this package's adapter.
func callerFrame() (runtime.Frame, bool) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "github.com/sirupsen/logrus") &&
			!strings.HasSuffix(f.File, "/log/logger_adapter.go") &&
			!strings.HasSuffix(f.File, "/log/formatter.go") {
			return f, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

// getCaller returns package/file.go:line.
func getCaller() string {
	f, ok := callerFrame()
	if !ok {
		return "unknown"
	}
	file := f.File
	if i := strings.LastIndex(file, "/"); i != -1 && i+1 < len(file) {
		file = file[i+1:]
	}
	pkg := f.Function
	if i := strings.LastIndex(pkg, "/"); i != -1 {
		pkg = pkg[i+1:]
	}
	if i := strings.Index(pkg, "."); i != -1 {
		pkg = pkg[:i]
	}
	return fmt.Sprintf("%s/%s:%d", pkg, file, f.Line)
}

func getFunc() string {
	f, ok := callerFrame()
	if !ok {
		return "unknown"
	}
	if i := strings.LastIndex(f.Function, "."); i != -1 && i+1 < len(f.Function) {
		return f.Function[i+1:]
	}
	return f.Function
}

func getGoroutineID() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	stack := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if id := strings.Fields(stack); len(id) > 0 {
		return id[0]
	}
	return "unknown"
}

// buildFields renders entry data as k=v pairs sorted by key.
func buildFields(entry *logrus.Entry) string {
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		val, ok := entry.Data[k].(string)
		if !ok {
			val = fmt.Sprint(entry.Data[k])
		}
		fields = append(fields, k+"="+val)
	}
	return strings.Join(fields, ",")
}
