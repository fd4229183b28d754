// Package audiotest builds small WAV payloads for tests.
package audiotest

import (
	"bytes"
	"encoding/binary"
)

// WAV returns a mono 16-bit PCM WAV file of silence with the given number of samples.
func WAV(sampleRate, samples int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)

	dataSize := samples * channels * (bitsPerSample / 8)

	var buf bytes.Buffer

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*channels*bitsPerSample/8))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels*bitsPerSample/8))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(make([]byte, dataSize))

	return buf.Bytes()
}
