// Package remote holds the data model of a remote directory listing: the
// per-entry stat record, the server's permission set, the result handed to
// the sync worker and the classification of failed requests.
package remote

import (
	"net/http"
	"strconv"
	"strings"
)

// ItemType is the kind of a remote entry.
type ItemType int

const (
	// ItemTypeSkip marks an entry whose type the server did not report.
	ItemTypeSkip ItemType = iota
	ItemTypeFile
	ItemTypeDirectory
)

func (t ItemType) String() string {
	switch t {
	case ItemTypeFile:
		return "file"
	case ItemTypeDirectory:
		return "directory"
	default:
		return "skip"
	}
}

// FileStat describes one remote entry.
type FileStat struct {
	Path                  string
	Type                  ItemType
	Size                  int64
	ModTime               int64
	Etag                  string
	FileID                string
	DirectDownloadURL     string
	DirectDownloadCookies string
	RemotePerm            Permissions
	ChecksumHeader        string
}

// IsDir reports whether the entry is a directory.
func (f *FileStat) IsDir() bool {
	return f.Type == ItemTypeDirectory
}

// Complete reports whether the server sent every property the sync engine
// needs to compare the entry against its journal.
func (f *FileStat) Complete() bool {
	return f.Type != ItemTypeSkip &&
		f.Size != -1 &&
		f.ModTime != -1 &&
		!f.RemotePerm.IsNull() &&
		f.Etag != "" &&
		f.FileID != ""
}

// DirectoryResult is the outcome of listing one remote directory. It is
// owned by the receiver once delivered.
type DirectoryResult struct {
	Path    string
	Entries []*FileStat
	Code    Code
	Msg     string

	// Etag is the raw etag of the listed directory itself.
	Etag string
	// EtagConcatenation joins the raw etags of every entry in reply order.
	EtagConcatenation string
}

// Err returns the failure as an error, or nil on success.
func (r DirectoryResult) Err() error {
	if r.Code == CodeOK {
		return nil
	}
	return &Error{Path: r.Path, Code: r.Code, Msg: r.Msg}
}

// NormalizeEtag strips the quoting and the "-gzip" suffix some servers add
// when they compress the response.
func NormalizeEtag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	etag = trimQuotes(etag)
	etag = strings.TrimSuffix(etag, "-gzip")
	return trimQuotes(etag)
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

var checksumPreference = []string{"SHA1", "MD5", "ADLER32"}

// FindBestChecksum picks the strongest supported checksum out of a
// space-separated "TYPE:value" list and returns it as "TYPE:value".
func FindBestChecksum(checksums string) string {
	if checksums == "" {
		return ""
	}
	fields := strings.Fields(checksums)
	for _, want := range checksumPreference {
		for _, f := range fields {
			typ, _, ok := strings.Cut(f, ":")
			if ok && strings.EqualFold(typ, want) {
				return f
			}
		}
	}
	return ""
}

// Property names as they appear in a PROPFIND reply, namespace stripped.
const (
	PropResourceType    = "resourcetype"
	PropLastModified    = "getlastmodified"
	PropContentLength   = "getcontentlength"
	PropEtag            = "getetag"
	PropID              = "id"
	PropDownloadURL     = "downloadURL"
	PropDownloadCookies = "dDC"
	PropPermissions     = "permissions"
	PropChecksums       = "checksums"
	PropShareTypes      = "share-types"
	PropDataFingerprint = "data-fingerprint"
	PropSize            = "size"
)

// Warner receives conversion anomalies that do not invalidate an entry.
type Warner func(msg string, path string)

// FileStatFromProperties converts one reply entry into a FileStat. Size
// and ModTime stay -1 when the server omitted them so Complete can tell.
func FileStatFromProperties(path string, props map[string]string, warn Warner) *FileStat {
	fs := &FileStat{Path: path, Size: -1, ModTime: -1}

	if v, ok := props[PropResourceType]; ok {
		if strings.Contains(v, "collection") {
			fs.Type = ItemTypeDirectory
		} else {
			fs.Type = ItemTypeFile
		}
	}
	if v, ok := props[PropLastModified]; ok {
		if t, err := http.ParseTime(strings.TrimSpace(v)); err == nil {
			fs.ModTime = t.Unix()
		}
	}
	if v, ok := props[PropContentLength]; ok {
		// Some servers report negative sizes.
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			n = 0
		}
		fs.Size = n
	}
	if v, ok := props[PropEtag]; ok {
		fs.Etag = NormalizeEtag(v)
	}
	fs.FileID = props[PropID]
	fs.DirectDownloadURL = props[PropDownloadURL]
	fs.DirectDownloadCookies = props[PropDownloadCookies]
	if v, ok := props[PropPermissions]; ok {
		fs.RemotePerm = ParsePermissions(v)
	}
	if v, ok := props[PropChecksums]; ok {
		fs.ChecksumHeader = FindBestChecksum(v)
	}
	if v := props[PropShareTypes]; v != "" {
		if fs.RemotePerm.IsNull() {
			if warn != nil {
				warn("server returned a share type but no permissions", path)
			}
		} else {
			fs.RemotePerm.Set(PermShared)
		}
	}

	if fs.Type == ItemTypeDirectory {
		fs.Size = 0
	}
	return fs
}
