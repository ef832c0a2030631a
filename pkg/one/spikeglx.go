package one

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// SpikeGLX errors.
var (
	// ErrInvalidMeta indicates a SpikeGLX .meta file missing a required key.
	ErrInvalidMeta = errors.New("invalid spikeglx meta")
	// ErrUnboundedRead indicates a raw read without a sample limit.
	ErrUnboundedRead = errors.New("spikeglx read needs a positive sample limit")
)

const (
	bytesPerSample = 2
	// Neuropixels 1.0 probes digitise to 10 bits: +/-512 counts span imAiRangeMax.
	np1MaxInt = 512
	// readWindow is the number of samples decoded per read.
	readWindow = 4096
	// DefaultSpikeGLXSamples bounds raw reads: ten seconds of the 30 kHz AP band.
	DefaultSpikeGLXSamples = 300000
)

// SpikeGLXMeta holds the key=value pairs of a SpikeGLX .meta file.
type SpikeGLXMeta map[string]string

// ReadSpikeGLXMeta parses a .meta sidecar. Leading `~` on keys is stripped.
func ReadSpikeGLXMeta(path string) (SpikeGLXMeta, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open meta: %w", err)
	}
	defer file.Close()

	return ParseSpikeGLXMeta(file)
}

// ParseSpikeGLXMeta parses .meta content.
func ParseSpikeGLXMeta(r io.Reader) (SpikeGLXMeta, error) {
	meta := make(SpikeGLXMeta)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		meta[strings.TrimPrefix(key, "~")] = value
	}

	err := scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("scan meta: %w", err)
	}

	return meta, nil
}

// NChannels returns nSavedChans.
func (m SpikeGLXMeta) NChannels() (int, error) {
	v, ok := m["nSavedChans"]
	if !ok {
		return 0, fmt.Errorf("%w: nSavedChans missing", ErrInvalidMeta)
	}

	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: nSavedChans=%q", ErrInvalidMeta, v)
	}

	return n, nil
}

// SampleRate returns imSampRate, or niSampRate for NIDQ streams.
func (m SpikeGLXMeta) SampleRate() (float64, error) {
	for _, key := range []string{"imSampRate", "niSampRate"} {
		if v, ok := m[key]; ok {
			rate, err := strconv.ParseFloat(v, 64)
			if err != nil || rate <= 0 {
				return 0, fmt.Errorf("%w: %s=%q", ErrInvalidMeta, key, v)
			}

			return rate, nil
		}
	}

	return 0, fmt.Errorf("%w: sample rate missing", ErrInvalidMeta)
}

// Conversion returns volts per count for the given amplifier gain.
// Files without imAiRangeMax fall back to 1.
func (m SpikeGLXMeta) Conversion(gain float64) float64 {
	v, ok := m["imAiRangeMax"]
	if !ok {
		return 1
	}

	rangeMax, err := strconv.ParseFloat(v, 64)
	if err != nil || gain == 0 {
		return 1
	}

	return rangeMax / np1MaxInt / gain
}

// SpikeGLXData is a window of interleaved int16 samples.
type SpikeGLXData struct {
	Channels int
	Samples  int
	// Total is the number of samples in the file.
	Total int
	Data  []int16 // samples x channels, row-major.
}

// ReadSpikeGLXBin reads the first maxSamples samples of an interleaved int16
// .bin file of channels channels, keeping the leading keep channels of each
// sample. The file is consumed in windows of readWindow samples so memory
// stays bounded by the returned data.
func ReadSpikeGLXBin(path string, channels, keep, maxSamples int) (*SpikeGLXData, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidMeta, channels)
	}

	if keep <= 0 || keep > channels {
		keep = channels
	}

	if maxSamples <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnboundedRead, maxSamples)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bin: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat bin: %w", err)
	}

	stride := bytesPerSample * channels
	total := int(info.Size() / int64(stride))
	samples := min(total, maxSamples)

	out := &SpikeGLXData{Channels: keep, Samples: samples, Total: total, Data: make([]int16, 0, samples*keep)}
	buf := make([]byte, min(samples, readWindow)*stride)

	for done := 0; done < samples; {
		n := min(samples-done, readWindow)

		_, err = io.ReadFull(file, buf[:n*stride])
		if err != nil {
			return nil, fmt.Errorf("read bin: %w", err)
		}

		for s := range n {
			row := buf[s*stride:]
			for ch := range keep {
				out.Data = append(out.Data, int16(binary.LittleEndian.Uint16(row[ch*bytesPerSample:])))
			}
		}

		done += n
	}

	return out, nil
}
