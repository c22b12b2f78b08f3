package davclient

import (
	"encoding/xml"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:resourcetype/>
    <d:getcontentlength/>
    <d:getlastmodified/>
    <d:getetag/>
  </d:prop>
</d:propfind>`

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"DAV: response"`
}

type response struct {
	Href      string     `xml:"DAV: href"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Status string `xml:"DAV: status"`
	Prop   prop   `xml:"DAV: prop"`
}

type prop struct {
	ResourceType  resourceType `xml:"DAV: resourcetype"`
	ContentLength string       `xml:"DAV: getcontentlength"`
	LastModified  string       `xml:"DAV: getlastmodified"`
	ETag          string       `xml:"DAV: getetag"`
}

type resourceType struct {
	Collection *struct{} `xml:"DAV: collection"`
}

// statusOK reports whether a propstat status line like "HTTP/1.1 200 OK"
// carries a 2xx code. A missing status counts as success.
func statusOK(status string) bool {
	fields := strings.Fields(status)
	if len(fields) < 2 {
		return true
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return false
	}
	return code >= 200 && code < 300
}

// hrefPath decodes an href (absolute URL or path) into a clean absolute path
// relative to basePath.
func hrefPath(href, basePath string) string {
	p := href
	if u, err := url.Parse(strings.TrimSpace(href)); err == nil {
		p = u.Path
	}
	p = path.Clean("/" + p)
	if basePath != "/" {
		if p == basePath {
			return "/"
		}
		if strings.HasPrefix(p, basePath+"/") {
			p = strings.TrimPrefix(p, basePath)
		}
	}
	return p
}

// parseMultistatus turns a 207 body into resources. Only successful
// propstats contribute properties.
func parseMultistatus(data []byte, basePath string) ([]Resource, error) {
	var ms multistatus
	if err := xml.Unmarshal(data, &ms); err != nil {
		return nil, err
	}

	out := make([]Resource, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		if r.Href == "" {
			continue
		}
		res := Resource{Path: hrefPath(r.Href, basePath)}
		res.Name = path.Base(res.Path)
		if strings.HasSuffix(strings.TrimSpace(r.Href), "/") {
			res.IsDir = true
		}

		for _, ps := range r.Propstats {
			if !statusOK(ps.Status) {
				continue
			}
			if ps.Prop.ResourceType.Collection != nil {
				res.IsDir = true
			}
			if v := strings.TrimSpace(ps.Prop.ContentLength); v != "" {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					res.Size = n
				}
			}
			if v := strings.TrimSpace(ps.Prop.LastModified); v != "" {
				if t, err := http.ParseTime(v); err == nil {
					res.Mtime = t.UnixMilli()
				}
			}
			if v := NormalizeETag(ps.Prop.ETag); v != "" {
				res.ETag = v
			}
		}
		out = append(out, res)
	}
	return out, nil
}
