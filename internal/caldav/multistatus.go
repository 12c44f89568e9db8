package caldav

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Resource is one response block of a calendar-query multistatus.
type Resource struct {
	Href         string
	ETag         string
	CalendarData string
}

// ParseMultistatus reads a WebDAV multistatus body. For every response
// block it captures href, the trimmed getetag and the calendar-data text
// (character data and CDATA sections concatenated). Blocks without an href
// or without calendar-data are dropped.
//
// Element names are matched by local name, so any namespace prefix works.
func ParseMultistatus(r io.Reader) ([]Resource, error) {
	decoder := xml.NewDecoder(r)
	decoder.Strict = true

	var (
		resources []Resource
		current   *Resource
		field     *strings.Builder
		href      strings.Builder
		etag      strings.Builder
		data      strings.Builder
	)

	for {
		tok, err := decoder.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to parse multistatus: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch strings.ToLower(t.Name.Local) {
			case "response":
				current = &Resource{}
				href.Reset()
				etag.Reset()
				data.Reset()
			case "href":
				if current != nil {
					field = &href
				}
			case "getetag":
				if current != nil {
					field = &etag
				}
			case "calendar-data":
				if current != nil {
					field = &data
				}
			}
		case xml.CharData:
			if field != nil {
				field.Write(t)
			}
		case xml.EndElement:
			switch strings.ToLower(t.Name.Local) {
			case "href", "getetag", "calendar-data":
				field = nil
			case "response":
				if current == nil {
					continue
				}
				current.Href = strings.TrimSpace(href.String())
				current.ETag = strings.TrimSpace(etag.String())
				current.CalendarData = data.String()
				if current.Href != "" && strings.TrimSpace(current.CalendarData) != "" {
					resources = append(resources, *current)
				}
				current = nil
			}
		}
	}

	return resources, nil
}
