// Package httpinspect parses HTTP/1.x exchanges out of reassembled streams.
package httpinspect

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"firestige.xyz/layers/internal/classifier"
	"firestige.xyz/layers/internal/core"
	"firestige.xyz/layers/internal/dissector"
	"firestige.xyz/layers/internal/event"
	"firestige.xyz/layers/internal/log"
)

const Name = "http"

const DefaultMaxBuffer = 1 << 20

type Options struct {
	// MaxBuffer bounds the bytes held per direction while a message is
	// incomplete.
	MaxBuffer int `mapstructure:"max_buffer"`
	// ContentTypes lists media type prefixes whose bodies are inspected.
	ContentTypes []string `mapstructure:"content_types"`
	// SaveBodies writes inspected bodies to the workspace, named by md5.
	SaveBodies bool `mapstructure:"save_bodies"`
}

func (o *Options) applyDefaults() {
	if o.MaxBuffer <= 0 {
		o.MaxBuffer = DefaultMaxBuffer
	}
	for i, ct := range o.ContentTypes {
		o.ContentTypes[i] = strings.ToLower(strings.TrimSpace(ct))
	}
}

// Builder returns the http dissector for the given options.
func Builder(raw map[string]any, workspace string) (dissector.Builder, error) {
	var opts Options
	if err := dissector.DecodeOptions(raw, &opts); err != nil {
		return dissector.Builder{}, fmt.Errorf("%s: %w", Name, err)
	}
	opts.applyDefaults()

	return dissector.Builder{
		IDs: []classifier.ProtoID{classifier.ProtoHTTP, classifier.ProtoHTTPConnect, classifier.ProtoHTTPProxy},
		Factory: func(ctx *classifier.Context, flow dissector.Flow) dissector.Inspector {
			return New(opts, workspace, ctx, flow)
		},
	}, nil
}

type exchange struct {
	method string
	url    string
}

// Inspector keeps one stream per direction and emits an event for every
// complete request and response.
type Inspector struct {
	opts      Options
	workspace string
	flow      dissector.Flow

	// url seen by the classifier, used until the first request is parsed
	url string

	req  stream
	resp stream
	// requests awaiting a response, oldest first
	inflight []exchange
}

func New(opts Options, workspace string, ctx *classifier.Context, flow dissector.Flow) *Inspector {
	i := &Inspector{opts: opts, workspace: workspace, flow: flow}
	if ctx != nil {
		i.url = strings.ToLower(ctx.Labels[core.LabelHTTPURL])
	}
	return i
}

func (i *Inspector) OnClientData(data []byte) error {
	return i.onData(&i.req, data, i.parseRequest)
}

func (i *Inspector) OnServerData(data []byte) error {
	return i.onData(&i.resp, data, i.parseResponse)
}

// onData parses each header once, then moves body bytes into the message
// until its framing says it is complete.
func (i *Inspector) onData(s *stream, data []byte, parse func([]byte) (*message, error)) error {
	s.buf = append(s.buf, data...)
	for {
		if s.msg == nil {
			s.buf = bytes.TrimLeft(s.buf, "\r\n")
			end := headerEnd(s.buf)
			if end < 0 {
				break
			}
			msg, err := parse(s.buf[:end])
			if err != nil {
				s.reset()
				return err
			}
			s.buf = s.buf[end:]
			s.msg = msg
		}
		done, err := s.msg.consume(&s.buf, i.opts.MaxBuffer)
		if err != nil {
			s.reset()
			return err
		}
		if !done {
			break
		}
		i.finish(s.msg)
		s.msg = nil
	}
	if pending := s.pending(); pending > i.opts.MaxBuffer {
		s.reset()
		return fmt.Errorf("%w: %d bytes pending", core.ErrInspectorBuffer, pending)
	}
	return nil
}

func (i *Inspector) parseRequest(header []byte) (*message, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(header)))
	if err != nil {
		return nil, fmt.Errorf("malformed http request: %w", err)
	}

	if i.url == "" {
		i.url = strings.ToLower(req.RequestURI)
	}
	i.inflight = append(i.inflight, exchange{method: req.Method, url: req.RequestURI})

	msg := &message{
		kind: event.KindHTTPRequest,
		labels: core.Labels{
			core.LabelHTTPMethod: req.Method,
			core.LabelHTTPURL:    req.RequestURI,
			core.LabelHTTPHost:   strings.ToLower(req.Host),
		},
		header: lowerHeader(req.Header),
	}
	// a request without a length has no body
	return msg, msg.frame(req.TransferEncoding, max(req.ContentLength, 0), i.opts.MaxBuffer)
}

func (i *Inspector) parseResponse(header []byte) (*message, error) {
	ex := exchange{method: http.MethodGet, url: i.url}
	if len(i.inflight) > 0 {
		ex = i.inflight[0]
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(header)), &http.Request{Method: ex.method})
	if err != nil {
		return nil, fmt.Errorf("malformed http response: %w", err)
	}
	// interim responses do not answer the request
	if resp.StatusCode >= 200 && len(i.inflight) > 0 {
		i.inflight = i.inflight[1:]
	}

	msg := &message{
		kind: event.KindHTTPResponse,
		labels: core.Labels{
			core.LabelHTTPStatus: strconv.Itoa(resp.StatusCode),
			core.LabelHTTPURL:    ex.url,
		},
		header: lowerHeader(resp.Header),
	}
	if !bodyAllowed(ex.method, resp.StatusCode) {
		return msg, nil
	}
	// no length and no chunking: the body runs until the connection closes
	return msg, msg.frame(resp.TransferEncoding, resp.ContentLength, i.opts.MaxBuffer)
}

func (i *Inspector) finish(msg *message) {
	i.inspectBody(msg.labels, msg.header, msg.body)
	i.flow.Emit(msg.kind, msg.labels)
}

// Close completes a response delimited by the end of the connection.
func (i *Inspector) Close() error {
	if msg := i.resp.msg; msg != nil && msg.untilClose() {
		i.finish(msg)
		i.resp.msg = nil
	}
	if pending := i.req.pending() + i.resp.pending(); pending > 0 {
		log.GetLogger().WithField("session", i.flow.ID).
			WithField("pending", pending).
			Debug("http session closed with incomplete message")
	}
	i.req.reset()
	i.resp.reset()
	i.inflight = nil
	return nil
}

// headerEnd returns the offset just past the blank line ending the header,
// or -1.
func headerEnd(buf []byte) int {
	end := -1
	if n := bytes.Index(buf, []byte("\r\n\r\n")); n >= 0 {
		end = n + 4
	}
	if n := bytes.Index(buf, []byte("\n\n")); n >= 0 && (end < 0 || n+2 < end) {
		end = n + 2
	}
	return end
}

func bodyAllowed(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// lowerHeader flattens the header with lowercase names.
func lowerHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}
