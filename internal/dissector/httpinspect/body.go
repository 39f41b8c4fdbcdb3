package httpinspect

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"firestige.xyz/layers/internal/core"
	"firestige.xyz/layers/internal/log"
)

type part struct {
	filename string
	sniffed  string
	sum      string
	data     []byte
}

func newPart(filename string, data []byte) part {
	sum := md5.Sum(data)
	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return part{
		filename: filename,
		sniffed:  sniffed,
		sum:      hex.EncodeToString(sum[:]),
		data:     data,
	}
}

// inspectBody fills the body labels when the content type is one the
// inspector was configured for. Multipart bodies are split into parts.
func (i *Inspector) inspectBody(labels core.Labels, header map[string]string, body []byte) {
	contentType := header["content-type"]
	if contentType != "" {
		labels[core.LabelHTTPContentType] = strings.ToLower(contentType)
	}
	if len(body) == 0 {
		return
	}
	labels[core.LabelHTTPBodyLen] = strconv.Itoa(len(body))

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !i.wants(mediaType) {
		return
	}

	parts := []part{newPart("", body)}
	if strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "" {
		parts, err = splitMultipart(body, params["boundary"])
		if err != nil {
			log.GetLogger().WithError(err).WithField("session", i.flow.ID).Debug("multipart parse failed")
			return
		}
		if len(parts) == 0 {
			return
		}
	}

	var sums, types, names []string
	for _, p := range parts {
		sums = append(sums, p.sum)
		types = append(types, p.sniffed)
		if p.filename != "" {
			names = append(names, p.filename)
		}
		if i.opts.SaveBodies && i.workspace != "" {
			i.save(p)
		}
	}
	labels[core.LabelHTTPBodyMD5] = strings.Join(sums, ",")
	labels[core.LabelHTTPBodyType] = strings.Join(types, ",")
	if len(names) > 0 {
		labels[core.LabelHTTPFilename] = strings.Join(names, ",")
	}
}

func (i *Inspector) wants(mediaType string) bool {
	for _, prefix := range i.opts.ContentTypes {
		if strings.HasPrefix(mediaType, prefix) {
			return true
		}
	}
	return false
}

// save writes the part to the workspace unless a file with the same digest
// is already there.
func (i *Inspector) save(p part) {
	path := filepath.Join(i.workspace, p.sum)
	if _, err := os.Stat(path); err == nil {
		return
	}
	if err := os.WriteFile(path, p.data, 0o644); err != nil {
		log.GetLogger().WithError(err).WithField("path", path).Warn("failed to save http body")
	}
}

func splitMultipart(body []byte, boundary string) ([]part, error) {
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	var parts []part
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return parts, nil
		}
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(p)
		if err != nil {
			return nil, err
		}
		parts = append(parts, newPart(p.FileName(), data))
	}
}
