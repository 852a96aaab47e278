// Package stream implements the range-capable media delivery endpoint: byte
// range resolution, object-key resolution for HLS/MP4/subtitle requests, and
// the access checks applied before any object-store call.
package stream

import (
	"strconv"
	"strings"
)

const (
	// DefaultSegmentCeiling caps one ranged read of a .ts segment. Small
	// ranges cause excessive round-trips during playback, so the ceiling is
	// generous.
	DefaultSegmentCeiling = 4 << 20
	// DefaultChunkCeiling caps ranged reads for everything else.
	DefaultChunkCeiling = 1 << 20
	// DefaultMinChunk avoids pathologically small reads from the store.
	DefaultMinChunk = 64 << 10
)

// RangePolicy holds the content-type-aware clamping limits.
type RangePolicy struct {
	SegmentCeiling int64
	ChunkCeiling   int64
	MinChunk       int64
}

// DefaultRangePolicy returns the production clamping limits.
func DefaultRangePolicy() RangePolicy {
	return RangePolicy{
		SegmentCeiling: DefaultSegmentCeiling,
		ChunkCeiling:   DefaultChunkCeiling,
		MinChunk:       DefaultMinChunk,
	}
}

// ByteWindow is a resolved inclusive byte range.
type ByteWindow struct {
	Start int64
	End   int64
}

// Size returns the number of bytes the window covers.
func (w ByteWindow) Size() int64 {
	return w.End - w.Start + 1
}

// Resolve translates a raw Range header into a concrete window. A nil window
// with ok=true means "serve the full body" (no header, or a manifest request,
// which is never chunked). ok=false marks an unsatisfiable range; the caller
// falls back to a full-body 200 rather than 416 to keep existing players
// working.
func (p RangePolicy) Resolve(header string, size int64, filename string) (*ByteWindow, bool) {
	if size <= 0 {
		return nil, false
	}
	if strings.HasSuffix(strings.ToLower(filename), ".m3u8") {
		return nil, true
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, true
	}

	start, end, explicitEnd, ok := parseRangeHeader(header, size)
	if !ok {
		return nil, false
	}

	ceiling := p.ChunkCeiling
	if strings.HasSuffix(strings.ToLower(filename), ".ts") {
		ceiling = p.SegmentCeiling
	}
	if ceiling > 0 && end-start+1 > ceiling {
		end = start + ceiling - 1
	}
	// open-ended requests are padded up to the minimum read size; explicitly
	// bounded ranges are served exactly as asked (modulo the ceiling)
	if !explicitEnd && p.MinChunk > 0 && end-start+1 < p.MinChunk {
		end = start + p.MinChunk - 1
		if end > size-1 {
			end = size - 1
		}
	}
	return &ByteWindow{Start: start, End: end}, true
}

func parseRangeHeader(header string, size int64) (start, end int64, explicitEnd, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false, false
	}
	spec := strings.TrimPrefix(header, prefix)
	// multi-range requests are not supported; treat them as unsatisfiable
	if strings.Contains(spec, ",") {
		return 0, 0, false, false
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false, false
	}

	startRaw := strings.TrimSpace(parts[0])
	endRaw := strings.TrimSpace(parts[1])
	if startRaw == "" {
		return 0, 0, false, false
	}
	start, err := strconv.ParseInt(startRaw, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false, false
	}
	end = size - 1
	if endRaw != "" {
		explicitEnd = true
		end, err = strconv.ParseInt(endRaw, 10, 64)
		if err != nil || end < 0 {
			return 0, 0, false, false
		}
	}
	if start >= size || end >= size || start > end {
		return 0, 0, false, false
	}
	return start, end, explicitEnd, true
}
