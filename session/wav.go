// Package session handles on-disk audio: streaming WAV writes for history
// records, WAV/MP3 reads for reprocessing, and in-memory WAV encoding for
// cloud uploads. All PCM in memory is float32 mono in [-1, 1].
package session

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// DefaultSampleRate is the capture rate used throughout the pipeline.
const DefaultSampleRate = 16000

// WAVWriter streams float32 samples into a 16-bit PCM WAV file. The
// header is written up front with a placeholder size and rewritten on
// Finalize; FlushHeader keeps the file readable after a crash.
type WAVWriter struct {
	file           *os.File
	filePath       string
	sampleRate     int
	channels       int
	bitsPerSample  int
	samplesWritten int64
	mu             sync.Mutex
}

// NewWAVWriter creates the file and writes the placeholder header.
func NewWAVWriter(filePath string, sampleRate, channels, bitsPerSample int) (*WAVWriter, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("create WAV file: %w", err)
	}

	w := &WAVWriter{
		file:          file,
		filePath:      filePath,
		sampleRate:    sampleRate,
		channels:      channels,
		bitsPerSample: bitsPerSample,
	}
	if err := w.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAVWriter) writeHeader() error {
	if _, err := w.file.Seek(0, 0); err != nil {
		return err
	}

	byteRate := w.sampleRate * w.channels * w.bitsPerSample / 8
	blockAlign := w.channels * w.bitsPerSample / 8
	dataSize := uint32(w.samplesWritten * int64(w.bitsPerSample/8))

	w.file.WriteString("RIFF")
	binary.Write(w.file, binary.LittleEndian, uint32(36+dataSize))
	w.file.WriteString("WAVE")

	w.file.WriteString("fmt ")
	binary.Write(w.file, binary.LittleEndian, uint32(16))
	binary.Write(w.file, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(w.file, binary.LittleEndian, uint16(w.channels))
	binary.Write(w.file, binary.LittleEndian, uint32(w.sampleRate))
	binary.Write(w.file, binary.LittleEndian, uint32(byteRate))
	binary.Write(w.file, binary.LittleEndian, uint16(blockAlign))
	binary.Write(w.file, binary.LittleEndian, uint16(w.bitsPerSample))

	w.file.WriteString("data")
	binary.Write(w.file, binary.LittleEndian, dataSize)
	return nil
}

// Write appends float32 samples, converting to int16 with clamping.
func (w *WAVWriter) Write(samples []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(floatToInt16(s)))
	}
	if _, err := w.file.Write(buf); err != nil {
		return err
	}
	w.samplesWritten += int64(len(samples))
	return nil
}

// SamplesWritten returns the number of samples written so far.
func (w *WAVWriter) SamplesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.samplesWritten
}

// FlushHeader rewrites the header with the current size and returns the
// write position to the end of the file.
func (w *WAVWriter) FlushHeader() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	pos, err := w.file.Seek(0, 1)
	if err != nil {
		return err
	}
	if err := w.writeHeader(); err != nil {
		return err
	}
	_, err = w.file.Seek(pos, 0)
	return err
}

// Close finalizes the header and closes the file.
func (w *WAVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writeHeader(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// FilePath returns the target path.
func (w *WAVWriter) FilePath() string { return w.filePath }

// WriteWAV writes pcm to path in one shot.
func WriteWAV(path string, pcm []float32, sampleRate int) error {
	w, err := NewWAVWriter(path, sampleRate, 1, 16)
	if err != nil {
		return err
	}
	if err := w.Write(pcm); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// EncodeWAV renders pcm as an in-memory 16-bit mono WAV, the upload
// format for cloud ASR providers.
func EncodeWAV(pcm []float32, sampleRate int) []byte {
	var buf bytes.Buffer
	dataSize := uint32(len(pcm) * 2)
	byteRate := uint32(sampleRate * 2)

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, byteRate)
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)

	for _, s := range pcm {
		binary.Write(&buf, binary.LittleEndian, floatToInt16(s))
	}
	return buf.Bytes()
}

// ReadWAV loads a 16-bit PCM WAV file as float32 samples. Stereo input is
// downmixed to mono.
func ReadWAV(path string) (pcm []float32, sampleRate int, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read WAV: %w", err)
	}
	if len(raw) < 44 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%s: not a WAV file", path)
	}

	var channels, bits int
	var data []byte
	// Walk chunks; fmt and data can be separated by extension chunks.
	off := 12
	for off+8 <= len(raw) {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		body := raw[off+8:]
		if size > len(body) {
			size = len(body)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("%s: short fmt chunk", path)
			}
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = int(binary.LittleEndian.Uint16(body[14:16]))
		case "data":
			data = body[:size]
		}
		off += 8 + size
		if size%2 == 1 {
			off++ // chunks are word-aligned
		}
	}
	if sampleRate == 0 || data == nil {
		return nil, 0, fmt.Errorf("%s: missing fmt or data chunk", path)
	}
	if bits != 16 {
		return nil, 0, fmt.Errorf("%s: unsupported bit depth %d", path, bits)
	}
	if channels < 1 {
		channels = 1
	}

	frames := len(data) / (2 * channels)
	pcm = make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			v := int16(binary.LittleEndian.Uint16(data[(i*channels+ch)*2:]))
			sum += float32(v) / 32768.0
		}
		pcm[i] = sum / float32(channels)
	}
	return pcm, sampleRate, nil
}

func floatToInt16(s float32) int16 {
	if s > 1.0 {
		s = 1.0
	} else if s < -1.0 {
		s = -1.0
	}
	return int16(s * 32767)
}
