package transcode

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MediaInfo is the subset of ffprobe output the pipeline needs.
type MediaInfo struct {
	Duration  float64
	Bitrate   int64
	SizeBytes int64
	Width     int
	Height    int
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
		Size     string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe runs ffprobe once against path and extracts duration, bitrate, size,
// and the dimensions of the first video stream.
func Probe(ctx context.Context, runner Runner, ffprobe, path string) (MediaInfo, error) {
	out, err := runner.Run(ctx, ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return MediaInfo{}, fmt.Errorf("probe %s: %w", path, err)
	}
	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return MediaInfo{}, fmt.Errorf("decode probe output: %w", err)
	}
	info := MediaInfo{
		Duration:  parseFloat(parsed.Format.Duration),
		Bitrate:   parseInt(parsed.Format.BitRate),
		SizeBytes: parseInt(parsed.Format.Size),
	}
	for _, stream := range parsed.Streams {
		if stream.CodecType == "video" {
			info.Width = stream.Width
			info.Height = stream.Height
			break
		}
	}
	if info.Duration <= 0 {
		return MediaInfo{}, fmt.Errorf("probe %s: no duration reported", path)
	}
	return info, nil
}

func parseFloat(value string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(value), 64)
	return f
}

func parseInt(value string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	return n
}
