package davclient

import (
	"encoding/xml"
	"io"
	"net/url"
	"strings"
)

type multistatus struct {
	Responses []response `xml:"DAV: response"`
}

type response struct {
	Href      string     `xml:"DAV: href"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	Elems []element `xml:",any"`
}

type element struct {
	XMLName  xml.Name
	Text     string    `xml:",chardata"`
	Children []element `xml:",any"`
}

// value flattens a property element. Text content wins; an element with
// only empty children (like <d:resourcetype><d:collection/></d:resourcetype>)
// yields the children's local names.
func (e element) value() string {
	if t := e.text(); t != "" {
		return t
	}
	names := make([]string, 0, len(e.Children))
	for _, c := range e.Children {
		names = append(names, c.XMLName.Local)
	}
	return strings.Join(names, " ")
}

func (e element) text() string {
	parts := make([]string, 0, 1+len(e.Children))
	if t := strings.TrimSpace(e.Text); t != "" {
		parts = append(parts, t)
	}
	for _, c := range e.Children {
		if t := c.text(); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func decodeMultistatus(r io.Reader) ([]Entry, error) {
	var ms multistatus
	if err := xml.NewDecoder(r).Decode(&ms); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ms.Responses))
	for _, resp := range ms.Responses {
		href := resp.Href
		if u, err := url.Parse(strings.TrimSpace(resp.Href)); err == nil {
			href = u.Path
		}
		props := make(map[string]string)
		for _, ps := range resp.Propstats {
			if !statusOK(ps.Status) {
				continue
			}
			for _, el := range ps.Prop.Elems {
				props[el.XMLName.Local] = el.value()
			}
		}
		entries = append(entries, Entry{Href: href, Props: props})
	}
	return entries, nil
}

// statusOK parses "HTTP/1.1 200 OK". A missing status counts as success.
func statusOK(status string) bool {
	fields := strings.Fields(status)
	if len(fields) < 2 {
		return true
	}
	return strings.HasPrefix(fields[1], "2")
}
