package webdav

import (
	"context"
	"encoding/xml"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/canopyfs/canopy/internal/driver"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:displayname/>
    <D:resourcetype/>
    <D:getcontentlength/>
    <D:getcontenttype/>
    <D:getlastmodified/>
    <D:getetag/>
  </D:prop>
</D:propfind>`

type multistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href     string        `xml:"href"`
	Propstat []davPropstat `xml:"propstat"`
}

type davPropstat struct {
	Prop   davProp `xml:"prop"`
	Status string  `xml:"status"`
}

type davProp struct {
	DisplayName   string          `xml:"displayname"`
	ResourceType  davResourceType `xml:"resourcetype"`
	ContentLength string          `xml:"getcontentlength"`
	ContentType   string          `xml:"getcontenttype"`
	LastModified  string          `xml:"getlastmodified"`
	ETag          string          `xml:"getetag"`
}

type davResourceType struct {
	Collection *struct{} `xml:"collection"`
}

// propfind issues PROPFIND at the given depth and maps the multistatus
// responses to FileInfo entries with mount-relative paths.
func (d *Driver) propfind(ctx context.Context, op, canon, depth string) ([]driver.FileInfo, error) {
	rawURL, err := d.resourceURL(canon)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, canon, err)
	}

	header := http.Header{}
	header.Set("Depth", depth)
	header.Set("Content-Type", `application/xml; charset="utf-8"`)

	resp, err := d.do(ctx, "PROPFIND", rawURL, strings.NewReader(propfindBody), header)
	if err != nil {
		return nil, classify(op, canon, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		status := resp.StatusCode
		drainClose(resp)

		return nil, classify(op, canon, status, nil)
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, driver.E(driver.KindUpstream, op, canon, err)
	}

	basePath := "/"
	if u, parseErr := url.Parse(d.baseURL); parseErr == nil {
		basePath = u.Path
	}

	entries := make([]driver.FileInfo, 0, len(ms.Responses))

	for _, r := range ms.Responses {
		fi, ok := d.entryOf(basePath, r)
		if ok {
			entries = append(entries, fi)
		}
	}

	return entries, nil
}

// entryOf converts one multistatus response. Responses without a 200
// propstat are dropped.
func (d *Driver) entryOf(basePath string, r davResponse) (driver.FileInfo, bool) {
	var prop *davProp

	for i, ps := range r.Propstat {
		if strings.Contains(ps.Status, "200") {
			prop = &r.Propstat[i].Prop
			break
		}
	}

	if prop == nil {
		return driver.FileInfo{}, false
	}

	sp, ok := d.subpathFromHref(basePath, r.Href)
	if !ok {
		return driver.FileInfo{}, false
	}

	fi := driver.FileInfo{
		Path:  sp,
		IsDir: prop.ResourceType.Collection != nil,
	}

	fi.Name = prop.DisplayName
	if fi.Name == "" {
		fi.Name = path.Base(sp)
	}

	if !fi.IsDir {
		if n, err := strconv.ParseInt(strings.TrimSpace(prop.ContentLength), 10, 64); err == nil {
			fi.Size = n
		}

		fi.ETag = strings.Trim(prop.ETag, `"`)

		fi.MIMEType = prop.ContentType
		if fi.MIMEType == "" {
			fi.MIMEType = mime.TypeByExtension(path.Ext(fi.Name))
		}
	}

	if t, err := time.Parse(time.RFC1123, prop.LastModified); err == nil {
		fi.Modified = t.UTC()
	} else if t, err := http.ParseTime(prop.LastModified); err == nil {
		fi.Modified = t.UTC()
	}

	return fi, true
}

// subpathFromHref strips the DAV base path from a response href and decodes
// the remainder into a mount-relative subpath.
func (d *Driver) subpathFromHref(basePath, href string) (string, bool) {
	// Some servers return absolute URLs in href.
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		if u, err := url.Parse(href); err == nil {
			href = u.Path
		}
	}

	decoded, err := url.PathUnescape(href)
	if err != nil {
		decoded = href
	}

	decoded = strings.TrimSuffix(decoded, "/")
	base := strings.TrimSuffix(basePath, "/")

	if base != "" && !strings.HasPrefix(decoded, base) {
		return "", false
	}

	sp := strings.TrimPrefix(decoded, base)
	if sp == "" {
		sp = "/"
	}

	if !strings.HasPrefix(sp, "/") {
		sp = "/" + sp
	}

	return sp, true
}
