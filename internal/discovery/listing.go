package discovery

import (
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/davclient"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/remote"
)

var baseListingProperties = []davclient.Property{
	davclient.DAV("resourcetype"),
	davclient.DAV("getlastmodified"),
	davclient.DAV("getcontentlength"),
	davclient.DAV("getetag"),
	davclient.OC("id"),
	davclient.OC("downloadURL"),
	davclient.OC("dDC"),
	davclient.OC("permissions"),
	davclient.OC("checksums"),
}

var sizeProperties = []davclient.Property{
	davclient.DAV("resourcetype"),
	davclient.OC("size"),
}

func listingProperties(isRoot, shareTypes bool) []davclient.Property {
	props := make([]davclient.Property, 0, len(baseListingProperties)+2)
	props = append(props, baseListingProperties...)
	if isRoot {
		props = append(props, davclient.OC("data-fingerprint"))
	}
	if shareTypes {
		props = append(props, davclient.OC("share-types"))
	}
	return props
}

type listing struct {
	result remote.DirectoryResult

	hasFirst        bool
	firstPerms      remote.Permissions
	dataFingerprint string
}

// buildListing turns a depth-1 reply into a directory result. The first
// entry is the directory itself. A single incomplete entry fails the whole
// batch.
func buildListing(fullPath string, entries []davclient.Entry, log *zap.Logger) listing {
	var l listing
	if len(entries) == 0 {
		l.result = remote.DirectoryResult{Path: fullPath, Code: remote.CodeWrongContent, Msg: msgNotXML}
		return l
	}

	var (
		isExternal  bool
		missingData bool
		firstEtag   string
		etags       strings.Builder
		stats       = make([]*remote.FileStat, 0, len(entries)-1)
	)

	warn := func(msg, path string) {
		log.Warn(msg, zap.String("path", path))
	}

	for i, e := range entries {
		if i == 0 {
			l.hasFirst = true
			if v, ok := e.Props[remote.PropPermissions]; ok {
				l.firstPerms = remote.ParsePermissions(v)
				isExternal = l.firstPerms.Has(remote.PermMounted)
			}
			if v, ok := e.Props[remote.PropDataFingerprint]; ok {
				l.dataFingerprint = v
			}
		} else {
			fs := remote.FileStatFromProperties(e.Name, e.Props, warn)
			if !fs.Complete() {
				missingData = true
				log.Warn("Missing properties",
					zap.String("path", e.Name),
					zap.Stringer("type", fs.Type),
					zap.Int64("size", fs.Size),
					zap.Int64("modtime", fs.ModTime),
					zap.String("perms", fs.RemotePerm.String()),
					zap.String("etag", fs.Etag),
					zap.String("file_id", fs.FileID),
				)
			}
			// Only the mount point itself keeps M; everything below it is m.
			if isExternal && fs.RemotePerm.Has(remote.PermMounted) {
				fs.RemotePerm.Unset(remote.PermMounted)
				fs.RemotePerm.Set(remote.PermMountedSub)
			}
			stats = append(stats, fs)
		}

		if etag, ok := e.Props[remote.PropEtag]; ok {
			etags.WriteString(etag)
			if firstEtag == "" {
				firstEtag = etag
			}
		}
	}

	if missingData {
		l.result = remote.DirectoryResult{Path: fullPath, Code: remote.CodeWrongContent, Msg: msgMissingData}
		return l
	}
	l.result = remote.DirectoryResult{
		Path:              fullPath,
		Entries:           stats,
		Code:              remote.CodeOK,
		Etag:              firstEtag,
		EtagConcatenation: etags.String(),
	}
	return l
}
