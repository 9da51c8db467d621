package rets

import (
	"regexp"
	"strconv"
	"strings"
)

// The RETS text grammars are line-oriented subsets wrapped in XML-looking
// envelopes. Servers in the wild emit envelopes that no conforming XML parser
// would accept, so parsing here is regex-driven by contract and tolerates
// missing optional elements.
var (
	replyCodeRe    = regexp.MustCompile(`ReplyCode="(-?\d+)"`)
	replyTextRe    = regexp.MustCompile(`ReplyText="([^"]*)"`)
	countRe        = regexp.MustCompile(`<COUNT\s+Records="(\d+)"`)
	columnsRe      = regexp.MustCompile(`<COLUMNS>([^<]*)</COLUMNS>`)
	dataRe         = regexp.MustCompile(`<DATA>([^<]*)</DATA>`)
	retsResponseRe = regexp.MustCompile(`(?s)<RETS-RESPONSE>(.*?)</RETS-RESPONSE>`)
	metadataOpenRe = regexp.MustCompile(`<(METADATA-[A-Z_]+)((?:\s+[A-Za-z]+="[^"]*")*)\s*>`)
	metadataAttrRe = regexp.MustCompile(`([A-Za-z]+)="([^"]*)"`)
	unauthorizedRe = regexp.MustCompile(`class \[([^\]]+)\] in resource \[([^\]]+)\]`)
)

// MetadataResponse is a parsed GetMetadata reply.
type MetadataResponse struct {
	ReplyCode int
	ReplyText string

	// Type is the metadata block name, e.g. METADATA-RESOURCE.
	Type  string
	Attrs map[string]string

	Columns []string
	Rows    [][]string
}

// SearchResult is a parsed Search reply.
type SearchResult struct {
	ReplyCode int
	ReplyText string
	Count     int
	Columns   []string
	Rows      [][]string
}

// Records returns the rows keyed by column name, one map per row.
func (r *SearchResult) Records() []map[string]string {
	out := make([]map[string]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		rec := make(map[string]string, len(r.Columns))
		for i, col := range r.Columns {
			rec[col] = row[i]
		}
		out = append(out, rec)
	}
	return out
}

// ParseLoginBody extracts the reply code/text and the capability table from
// a login response. Capability lines are KEY=VALUE; keys starting with
// "Info" are advisory and skipped.
func ParseLoginBody(body string) (int, string, map[string]string, error) {
	code, text, err := replyStatus(body)
	if err != nil {
		return 0, "", nil, err
	}

	capabilities := map[string]string{}
	if m := retsResponseRe.FindStringSubmatch(body); m != nil {
		for _, line := range strings.Split(m[1], "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			k = strings.TrimSpace(k)
			if strings.HasPrefix(k, "Info") {
				continue
			}
			capabilities[k] = strings.TrimSpace(v)
		}
	}
	return code, text, capabilities, nil
}

// ParseMetadata parses a GetMetadata response: one METADATA-X block holding
// a single COLUMNS line and any number of DATA lines.
func ParseMetadata(body string) (*MetadataResponse, error) {
	code, text, err := replyStatus(body)
	if err != nil {
		return nil, err
	}
	resp := &MetadataResponse{
		ReplyCode: code,
		ReplyText: text,
		Attrs:     map[string]string{},
	}
	if code != 0 {
		return resp, classifyReply(code, text)
	}

	if m := metadataOpenRe.FindStringSubmatch(body); m != nil {
		resp.Type = m[1]
		for _, attr := range metadataAttrRe.FindAllStringSubmatch(m[2], -1) {
			resp.Attrs[attr[1]] = attr[2]
		}
	}

	if m := columnsRe.FindStringSubmatch(body); m != nil {
		resp.Columns = splitCompact(m[1])
	}
	for _, m := range dataRe.FindAllStringSubmatch(body, -1) {
		resp.Rows = append(resp.Rows, padRow(splitCompact(m[1]), len(resp.Columns)))
	}
	return resp, nil
}

// ParseSearchResult parses a Search response: COLUMNS, DATA siblings, and
// the COUNT element.
func ParseSearchResult(body string) (*SearchResult, error) {
	code, text, err := replyStatus(body)
	if err != nil {
		return nil, err
	}
	resp := &SearchResult{ReplyCode: code, ReplyText: text}
	if code != 0 {
		return resp, classifyReply(code, text)
	}

	if m := countRe.FindStringSubmatch(body); m != nil {
		resp.Count, _ = strconv.Atoi(m[1])
	}
	if m := columnsRe.FindStringSubmatch(body); m != nil {
		resp.Columns = splitCompact(m[1])
	}
	for _, m := range dataRe.FindAllStringSubmatch(body, -1) {
		resp.Rows = append(resp.Rows, padRow(splitCompact(m[1]), len(resp.Columns)))
	}
	return resp, nil
}

// replyStatus pulls ReplyCode/ReplyText out of any response envelope. A body
// carrying neither is malformed.
func replyStatus(body string) (int, string, error) {
	codeM := replyCodeRe.FindStringSubmatch(body)
	textM := replyTextRe.FindStringSubmatch(body)
	if codeM == nil && textM == nil {
		return 0, "", ErrMalformedResponse
	}
	code := 0
	if codeM != nil {
		code, _ = strconv.Atoi(codeM[1])
	}
	text := ""
	if textM != nil {
		text = textM[1]
	}
	return code, text, nil
}

// classifyReply turns a non-zero reply code into the matching typed error.
// 20207 with the unauthorized-query text is the lockout signal.
func classifyReply(code int, text string) error {
	if code == 20207 && strings.Contains(text, "Unauthorized Query") {
		uq := &UnauthorizedQueryError{Text: text}
		if m := unauthorizedRe.FindStringSubmatch(text); m != nil {
			uq.Class = m[1]
			uq.Resource = m[2]
		}
		return uq
	}
	return &ProtocolError{Code: code, Text: text}
}

// splitCompact splits a COMPACT segment on tabs only, trimming whitespace
// from the whole line and from each field.
func splitCompact(s string) []string {
	s = strings.Trim(s, " \t\r\n")
	if s == "" {
		return nil
	}
	fields := strings.Split(s, "\t")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}

// padRow right-pads short rows with empty strings so every row aligns with
// the column list. Misalignment is never an error on this feed.
func padRow(row []string, n int) []string {
	for len(row) < n {
		row = append(row, "")
	}
	if len(row) > n && n > 0 {
		row = row[:n]
	}
	return row
}
