package audio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteWAV writes 16-bit PCM as a RIFF/WAVE stream.
func WriteWAV(w io.Writer, pcm []int16, rate, channels int) error {
	if rate <= 0 || channels <= 0 {
		return fmt.Errorf("invalid wav parameters: rate %d, channels %d", rate, channels)
	}
	dataSize := uint32(len(pcm) * 2)
	blockAlign := uint16(channels * 2)

	header := []any{
		[]byte("RIFF"), 36 + dataSize, []byte("WAVE"),
		[]byte("fmt "), uint32(16), uint16(1), uint16(channels),
		uint32(rate), uint32(rate) * uint32(blockAlign), blockAlign, uint16(16),
		[]byte("data"), dataSize,
	}
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return fmt.Errorf("write wav header: %w", err)
		}
	}
	return binary.Write(w, binary.LittleEndian, pcm)
}
