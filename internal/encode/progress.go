package encode

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// progressSample is one block of ffmpeg -progress output.
type progressSample struct {
	OutTimeSeconds float64
	BitrateKbps    float64
	Done           bool
}

// readProgress parses ffmpeg's key=value progress stream and calls emit at the
// end of every block. It returns when r is exhausted.
func readProgress(r io.Reader, emit func(progressSample)) error {
	scanner := bufio.NewScanner(r)
	var sample progressSample
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// Both keys carry microseconds.
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
				sample.OutTimeSeconds = float64(us) / 1e6
			}
		case "bitrate":
			sample.BitrateKbps = parseBitrate(value)
		case "progress":
			sample.Done = value == "end"
			emit(sample)
			sample = progressSample{OutTimeSeconds: sample.OutTimeSeconds}
		}
	}
	return scanner.Err()
}

func parseBitrate(value string) float64 {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "kbits/s"))
	rate, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || rate < 0 {
		return 0
	}
	return rate
}

func percentComplete(outTime, duration float64) float64 {
	if duration <= 0 {
		return 0
	}
	pct := outTime / duration * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return pct
	}
}
