package rets

import (
	"context"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

// SearchParams are the knobs of a Search request. Zero values are omitted
// except Offset, which the server treats as 1-based and always receives.
type SearchParams struct {
	SearchType string
	Class      string
	Query      string // DMQL2; empty means no filter
	Format     string // defaults to COMPACT
	Select     string
	Limit      int
	Offset     int
}

// Search issues a Search request and parses the result. Non-zero reply codes
// surface as ProtocolError or UnauthorizedQueryError.
func (c *Client) Search(ctx context.Context, s *Session, p SearchParams) (*SearchResult, error) {
	searchURL, err := s.Capability("Search")
	if err != nil {
		return nil, err
	}

	format := p.Format
	if format == "" {
		format = "COMPACT"
	}

	q := url.Values{}
	q.Set("SearchType", p.SearchType)
	if p.Class != "" {
		q.Set("Class", p.Class)
	}
	q.Set("QueryType", "DMQL2")
	q.Set("Format", format)
	q.Set("StandardNames", "0")
	q.Set("Count", "1")
	if p.Query != "" {
		q.Set("Query", p.Query)
	}
	if p.Select != "" {
		q.Set("Select", p.Select)
	}
	if p.Limit > 0 {
		q.Set("Limit", strconv.Itoa(p.Limit))
	}
	q.Set("Offset", strconv.Itoa(p.Offset))

	body, _, err := c.Request(ctx, s, searchURL, q)
	if err != nil {
		return nil, errors.Wrapf(err, "search %s/%s", p.SearchType, p.Class)
	}
	return ParseSearchResult(string(body))
}

// GetMetadata fetches and parses one metadata block, e.g.
// GetMetadata(ctx, s, "METADATA-CLASS", "Property:0").
func (c *Client) GetMetadata(ctx context.Context, s *Session, metaType, id string) (*MetadataResponse, error) {
	metaURL, err := s.Capability("GetMetadata")
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("Type", metaType)
	q.Set("Format", "COMPACT")
	q.Set("ID", id)

	body, _, err := c.Request(ctx, s, metaURL, q)
	if err != nil {
		return nil, errors.Wrapf(err, "metadata %s %s", metaType, id)
	}
	return ParseMetadata(string(body))
}
