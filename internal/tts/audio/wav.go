// Package audio inspects WAV data produced by synthesis engines.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

const (
	riffHeaderSize = 12
	chunkHeaderLen = 8
	fmtChunkMinLen = 16
)

// Errors returned by ParseWAV.
var (
	ErrTooShort    = errors.New("wav data too short")
	ErrNotRIFF     = errors.New("wav data missing RIFF header")
	ErrNotWAVE     = errors.New("wav data missing WAVE identifier")
	ErrNoDataChunk = errors.New("wav data missing data chunk")
	ErrEmptyFile   = errors.New("audio file is empty")
)

// Info describes a WAV container.
type Info struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
	DataOffset    int
	DataSize      int
}

// Duration returns the playback length in seconds, or 0 when the format is unknown.
func (i Info) Duration() float64 {
	bytesPerSecond := i.SampleRate * i.Channels * (i.BitsPerSample / 8)
	if bytesPerSecond <= 0 {
		return 0
	}

	return float64(i.DataSize) / float64(bytesPerSecond)
}

// ParseWAV walks the RIFF chunks of wav and locates the fmt and data chunks.
func ParseWAV(wav []byte) (Info, error) {
	if len(wav) < riffHeaderSize {
		return Info{}, ErrTooShort
	}

	if string(wav[0:4]) != "RIFF" {
		return Info{}, ErrNotRIFF
	}

	if string(wav[8:12]) != "WAVE" {
		return Info{}, ErrNotWAVE
	}

	var info Info

	offset := riffHeaderSize
	for offset+chunkHeaderLen <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+chunkHeaderLen]))
		body := offset + chunkHeaderLen

		switch chunkID {
		case "fmt ":
			if chunkSize >= fmtChunkMinLen && body+fmtChunkMinLen <= len(wav) {
				info.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
				info.BitsPerSample = int(binary.LittleEndian.Uint16(wav[body+14 : body+16]))
			}
		case "data":
			info.DataOffset = body
			info.DataSize = min(chunkSize, len(wav)-body)

			return info, nil
		}

		// Chunks are word aligned.
		offset = body + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}

	return Info{}, ErrNoDataChunk
}

// CheckFile verifies that path holds a non-empty WAV file.
func CheckFile(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to read audio file %s: %w", path, err)
	}

	if len(data) == 0 {
		return Info{}, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	info, err := ParseWAV(data)
	if err != nil {
		return Info{}, fmt.Errorf("invalid audio file %s: %w", path, err)
	}

	return info, nil
}
