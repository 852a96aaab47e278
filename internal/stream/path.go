package stream

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"cinetide/internal/models"
)

// ErrUnsupportedType is returned for filenames outside the servable set
// (.m3u8, .ts, .mp4, .vtt).
var ErrUnsupportedType = errors.New("stream: unsupported file type")

// AssetClass labels the kind of object a request resolves to. Used for
// content-type selection, cache policy, and metrics.
type AssetClass string

const (
	ClassManifest AssetClass = "manifest"
	ClassSegment  AssetClass = "segment"
	ClassMP4      AssetClass = "mp4"
	ClassSubtitle AssetClass = "subtitle"
)

// ObjectRef is a fully resolved object-store target.
type ObjectRef struct {
	Key         string
	ContentType string
	Class       AssetClass
}

var rolePrefixes = []string{"SD_", "HD_", "FHD_", "UHD_", "master_", "trailer_"}

// CleanBaseName strips known resolution/role prefixes and the file extension
// from a stored asset name, yielding the base used to reconstruct playlist and
// segment directory names.
func CleanBaseName(name string) string {
	base := path.Base(strings.TrimSpace(name))
	for _, prefix := range rolePrefixes {
		if strings.HasPrefix(base, prefix) {
			base = strings.TrimPrefix(base, prefix)
			break
		}
	}
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// ResolveVideoKey maps a video asset plus the requested filename onto the
// object-store key holding it. prefix is the resource storage prefix derived
// from the ownership chain.
func ResolveVideoKey(prefix string, asset models.VideoAsset, filename string) (ObjectRef, error) {
	filename = path.Base(strings.TrimSpace(filename))
	base := CleanBaseName(asset.Name)
	switch strings.ToLower(path.Ext(filename)) {
	case ".m3u8":
		return ObjectRef{
			Key:         hlsDir(prefix, asset, base) + "/" + filename,
			ContentType: "application/vnd.apple.mpegurl",
			Class:       ClassManifest,
		}, nil
	case ".ts":
		return ObjectRef{
			Key:         hlsDir(prefix, asset, base) + "/" + filename,
			ContentType: "video/mp2t",
			Class:       ClassSegment,
		}, nil
	case ".mp4":
		// originals live at the bucket root, not under the resource prefix
		return ObjectRef{
			Key:         fmt.Sprintf("original_%s.mp4", base),
			ContentType: "video/mp4",
			Class:       ClassMP4,
		}, nil
	default:
		return ObjectRef{}, ErrUnsupportedType
	}
}

func hlsDir(prefix string, asset models.VideoAsset, base string) string {
	if asset.IsTrailer || asset.Resolution == models.ResolutionTrailer {
		return prefix + "/hls_trailer"
	}
	return fmt.Sprintf("%s/hls_%s_%s", prefix, asset.Resolution, base)
}

// ResolveSubtitleKey maps a subtitle asset plus the requested filename onto
// its object-store key.
func ResolveSubtitleKey(prefix string, asset models.SubtitleAsset, filename string) (ObjectRef, error) {
	filename = path.Base(strings.TrimSpace(filename))
	if strings.ToLower(path.Ext(filename)) != ".vtt" {
		return ObjectRef{}, ErrUnsupportedType
	}
	base := CleanBaseName(asset.Name)
	return ObjectRef{
		Key:         fmt.Sprintf("%s/subtitles/%s/%s", prefix, base, filename),
		ContentType: "text/vtt",
		Class:       ClassSubtitle,
	}, nil
}
