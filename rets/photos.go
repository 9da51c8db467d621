package rets

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// minPhotoResponse is the threshold below which a GetObject body cannot be a
// real image bundle. Short bodies are error stubs from the server and are
// treated as "listing has no photos".
const minPhotoResponse = 100

// Photo is one binary object from a GetObject response together with the
// per-part headers the pipeline passes through to the metadata sidecar.
type Photo struct {
	ObjectID       string
	ContentType    string
	LastModified   string
	SubDescription string
	Label          string
	Accessibility  string
	Timestamp      string

	// Extra carries every X- prefixed header on the part verbatim.
	Extra map[string]string

	Data []byte
}

var jpegSOI = []byte{0xFF, 0xD8}

// FetchPropertyPhotos requests the full photo bundle for a Property listing.
// Part payloads are emitted exactly as framed by the multipart boundary.
func (c *Client) FetchPropertyPhotos(ctx context.Context, s *Session, listingID string) ([]Photo, error) {
	getObjectURL, err := s.Capability("GetObject")
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("Resource", "Property")
	q.Set("Type", "Photo")
	q.Set("ID", listingID+":*")

	body, headers, err := c.Request(ctx, s, getObjectURL, q)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching photos for listing %s", listingID)
	}
	if len(body) < minPhotoResponse {
		log.G(ctx).WithField("listing", listingID).Debug("GetObject returned no photos")
		return nil, nil
	}

	boundary := ExtractBoundary(headers.Get("Content-Type"))
	if boundary == "" {
		// A single inline image with no part metadata.
		return []Photo{{
			ObjectID:    listingID,
			ContentType: headers.Get("Content-Type"),
			Data:        body,
		}}, nil
	}

	var photos []Photo
	for _, part := range SplitMultipart(body, boundary) {
		p, ok := photoFromPart(part, listingID)
		if !ok {
			continue
		}
		photos = append(photos, p)
	}
	log.G(ctx).WithFields(logrus.Fields{
		"listing": listingID,
		"photos":  len(photos),
	}).Debug("Fetched photo bundle")
	return photos, nil
}

// FetchMemberPhotos requests the photo for an Agent or Office record. Those
// resources prepend extra framing before the image bytes, so the payload is
// sliced from the JPEG start-of-image marker.
func (c *Client) FetchMemberPhotos(ctx context.Context, s *Session, resource, id string) ([]Photo, error) {
	getObjectURL, err := s.Capability("GetObject")
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("Resource", resource)
	q.Set("Type", "Photo")
	q.Set("ID", id+":*")
	q.Set("Location", "0")

	body, headers, err := c.Request(ctx, s, getObjectURL, q)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %s photo for %s", resource, id)
	}
	if len(body) < minPhotoResponse {
		return nil, nil
	}

	boundary := ExtractBoundary(headers.Get("Content-Type"))
	parts := []Part{{Headers: map[string]string{"Content-Type": headers.Get("Content-Type")}, Body: body}}
	if boundary != "" {
		parts = SplitMultipart(body, boundary)
	}

	var photos []Photo
	for _, part := range parts {
		soi := bytes.Index(part.Body, jpegSOI)
		if soi < 0 {
			continue
		}
		part.Body = part.Body[soi:]
		p, ok := photoFromPart(part, id)
		if !ok {
			continue
		}
		p.ContentType = "image/jpeg"
		photos = append(photos, p)
	}
	return photos, nil
}

// photoFromPart maps a multipart part to a Photo, skipping non-image parts.
func photoFromPart(part Part, defaultObjectID string) (Photo, bool) {
	contentType := part.Header("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return Photo{}, false
	}
	if len(part.Body) == 0 {
		return Photo{}, false
	}

	p := Photo{
		ObjectID:       part.Header("Object-ID"),
		ContentType:    contentType,
		LastModified:   part.Header("Last-Modified"),
		SubDescription: part.Header("Content-Sub-Description"),
		Label:          part.Header("Content-Label"),
		Accessibility:  part.Header("Accessibility"),
		Timestamp:      part.Header("Photo-Timestamp"),
		Data:           part.Body,
	}
	if p.ObjectID == "" {
		p.ObjectID = defaultObjectID
	}
	for k, v := range part.Headers {
		if strings.HasPrefix(k, "X-") {
			if p.Extra == nil {
				p.Extra = map[string]string{}
			}
			p.Extra[k] = v
		}
	}
	return p, true
}
