package rets

import (
	"bytes"
	"regexp"
	"strings"
)

// Part is one body part of a multipart/mixed GetObject response.
type Part struct {
	Headers map[string]string
	Body    []byte
}

// Header returns a part header by name, case-insensitively.
func (p *Part) Header(name string) string {
	for k, v := range p.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

var boundaryRe = regexp.MustCompile(`boundary="?([^";]+)"?`)

// ExtractBoundary pulls the multipart boundary out of a Content-Type header.
// It returns "" when the response is not multipart.
func ExtractBoundary(contentType string) string {
	if m := boundaryRe.FindStringSubmatch(contentType); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

var crlfcrlf = []byte("\r\n\r\n")

// SplitMultipart splits a response body on the given boundary. The server's
// framing is a fixed subset of MIME: parts are bounded by \r\n--<boundary>,
// with the start of the buffer counting as a preceding CRLF, headers are
// \r\n separated and terminated by a blank line, and the payload runs
// verbatim to the next boundary. The CRLF belongs to the delimiter, so a
// payload containing the bare dash-boundary bytes is never mis-split. The
// scan never copies payload bytes; each Part.Body aliases the input buffer.
func SplitMultipart(body []byte, boundary string) []Part {
	delim := []byte("\r\n--" + boundary)
	open := []byte("--" + boundary)

	var pos int
	if bytes.HasPrefix(body, open) {
		pos = len(open)
	} else {
		i := bytes.Index(body, delim)
		if i < 0 {
			return nil
		}
		pos = i + len(delim)
	}

	var parts []Part
	for {
		// pos sits just past a boundary token. Closing delimiter is
		// --<boundary>--.
		if bytes.HasPrefix(body[pos:], []byte("--")) {
			break
		}
		start := pos
		if bytes.HasPrefix(body[start:], []byte("\r\n")) {
			start += 2
		}

		segment := body[start:]
		next := bytes.Index(segment, delim)
		if next < 0 {
			segment = bytes.TrimSuffix(segment, []byte("\r\n"))
			if part, ok := parsePart(segment); ok {
				parts = append(parts, part)
			}
			break
		}
		if part, ok := parsePart(segment[:next]); ok {
			parts = append(parts, part)
		}
		pos = start + next + len(delim)
	}
	return parts
}

// parsePart splits one segment into its header block and payload. A segment
// without a blank-line separator is treated as a bare payload.
func parsePart(segment []byte) (Part, bool) {
	if len(segment) == 0 {
		return Part{}, false
	}
	part := Part{Headers: map[string]string{}}

	sep := bytes.Index(segment, crlfcrlf)
	if sep < 0 {
		part.Body = segment
		return part, true
	}

	for _, line := range strings.Split(string(segment[:sep]), "\r\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		part.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	part.Body = segment[sep+len(crlfcrlf):]
	return part, true
}
