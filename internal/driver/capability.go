package driver

import "strings"

// Capability tags which optional parts of the storage contract a backend
// supports. Operations requiring an absent capability fail deterministically
// with KindValidation before any backend call is made.
type Capability uint16

const (
	// CapReader and CapWriter are mandatory for every driver.
	CapReader Capability = 1 << iota
	CapWriter
	// CapAtomic marks rename/copy as atomic on the backend.
	CapAtomic
	// CapPresigned enables presigned direct-upload URLs.
	CapPresigned
	// CapDirectLink enables presigned or native direct-download URLs.
	CapDirectLink
	// CapMultipart enables the frontend-driven multipart lifecycle.
	CapMultipart
	// CapProxy enables signed gateway proxy URLs.
	CapProxy
	// CapSearch enables backend-native search.
	CapSearch
)

var capNames = []struct {
	cap  Capability
	name string
}{
	{CapReader, "READER"},
	{CapWriter, "WRITER"},
	{CapAtomic, "ATOMIC"},
	{CapPresigned, "PRESIGNED"},
	{CapDirectLink, "DIRECT_LINK"},
	{CapMultipart, "MULTIPART"},
	{CapProxy, "PROXY"},
	{CapSearch, "SEARCH"},
}

// Has reports whether all bits of want are present.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// String renders the set as "READER|WRITER|...".
func (c Capability) String() string {
	var parts []string

	for _, cn := range capNames {
		if c.Has(cn.cap) {
			parts = append(parts, cn.name)
		}
	}

	if len(parts) == 0 {
		return "NONE"
	}

	return strings.Join(parts, "|")
}
