package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInt16RoundTrip(t *testing.T) {
	pcm := []int16{0, 1, -1, 32767, -32768}
	raw := Int16LEBytes(pcm)
	assert.Equal(t, []byte{0, 0, 1, 0, 0xff, 0xff, 0xff, 0x7f, 0x00, 0x80}, raw)
	assert.Equal(t, pcm, Int16LE(append(raw, 0x01)))
}

func TestFloat32RoundTrip(t *testing.T) {
	samples := []float32{0, 0.5, -0.25, 1}
	assert.Equal(t, samples, Float32LE(Float32LEBytes(samples)))
}

func TestFloat32ToInt16Clamps(t *testing.T) {
	assert.Equal(t, []int16{32767, -32767, 0, 16383}, Float32ToInt16([]float32{2, -3, 0, 0.5}))
}

func TestInt16ToFloat32(t *testing.T) {
	assert.Equal(t, []float32{-1, 0, 0.5}, Int16ToFloat32([]int16{-32768, 0, 16384}))
}

func TestRMS(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.InDelta(t, 0.5, RMS([]int16{16384, -16384}), 1e-9)
}

func TestResample(t *testing.T) {
	in := []float32{0, 1, 0, 1}
	assert.Equal(t, in, Resample(in, 16000, 16000))
	out := Resample(in, 2, 1)
	assert.Equal(t, []float32{0, 0}, out)
	assert.Len(t, Resample(in, 1, 2), 8)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, time.Second, Duration(44100, 1, 44100))
	assert.Equal(t, 500*time.Millisecond, Duration(16000, 2, 16000))
	assert.Zero(t, Duration(10, 0, 16000))
}

func TestReaderCapture(t *testing.T) {
	c := NewReaderCapture(bytes.NewReader([]byte{1, 2, 3, 4, 5}))

	buf := make([]byte, 3)
	_, err := c.Read(buf)
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, c.Start())
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{1, 2}, buf[:n])

	require.NoError(t, c.Stop())
	_, err = c.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestBufferPlayback(t *testing.T) {
	var p BufferPlayback
	require.NoError(t, p.Enqueue([]float32{0.1}))
	require.NoError(t, p.Enqueue([]float32{0.2, 0.3}))
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, p.Samples())

	require.NoError(t, p.Terminate())
	assert.Empty(t, p.Samples())
	assert.ErrorIs(t, p.Enqueue([]float32{1}), ErrTerminated)
}

func TestWriteWAV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteWAV(&buf, []int16{1, -1}, 16000, 1))

	b := buf.Bytes()
	require.Len(t, b, 44+4)
	assert.Equal(t, "RIFF", string(b[0:4]))
	assert.Equal(t, uint32(40), binary.LittleEndian.Uint32(b[4:8]))
	assert.Equal(t, "WAVE", string(b[8:12]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(b[24:28]))
	assert.Equal(t, uint32(32000), binary.LittleEndian.Uint32(b[28:32]))
	assert.Equal(t, "data", string(b[36:40]))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(b[40:44]))

	assert.Error(t, WriteWAV(&buf, nil, 0, 1))
}
