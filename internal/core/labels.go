// Package core defines core types.
package core

// Labels represents key-value metadata attached by the classifier and inspectors.
type Labels map[string]string

// Label naming constants following {protocol}.{field} convention.
const (
	LabelHTTPURL         = "http.url"
	LabelHTTPHost        = "http.host"
	LabelHTTPMethod      = "http.method"
	LabelHTTPStatus      = "http.status_code"
	LabelHTTPContentType = "http.content_type"
	LabelHTTPBodyLen     = "http.body_len"
	LabelHTTPBodyMD5     = "http.body_md5"
	LabelHTTPBodyType    = "http.body_type" // Sniffed from the first 512 bytes
	LabelHTTPFilename    = "http.filename"  // Multipart part filename

	LabelDNSID      = "dns.id"
	LabelDNSQuery   = "dns.query"   // First question name
	LabelDNSQType   = "dns.qtype"   // First question type
	LabelDNSRCode   = "dns.rcode"   // Response code
	LabelDNSAnswers = "dns.answers" // Comma-separated answer data

	LabelSIPMethod     = "sip.method"
	LabelSIPCallID     = "sip.call_id"
	LabelSIPFromURI    = "sip.from_uri"
	LabelSIPToURI      = "sip.to_uri"
	LabelSIPStatusCode = "sip.status_code"
	LabelSIPCSeq       = "sip.cseq"
)

// Clone returns an independent copy of the labels.
func (l Labels) Clone() Labels {
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}
