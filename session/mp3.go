package session

import (
	"fmt"
	"io"
	"os"

	shine "github.com/braheezy/shine-mp3/pkg/mp3"
	gomp3 "github.com/hajimehoshi/go-mp3"
)

// mp3BlockSamples is the Layer III granule size shine encodes in.
const mp3BlockSamples = 1152

// WriteMP3 encodes mono float32 samples to an MP3 file. Used by the
// history export path; the canonical stored format stays WAV.
func WriteMP3(path string, pcm []float32, sampleRate int) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create MP3 file: %w", err)
	}
	defer file.Close()

	encoder := shine.NewEncoder(sampleRate, 1)

	buf := make([]int16, 0, len(pcm)+mp3BlockSamples)
	for _, s := range pcm {
		buf = append(buf, floatToInt16(s))
	}
	// Pad to a whole number of blocks so the tail is not dropped.
	for len(buf)%mp3BlockSamples != 0 {
		buf = append(buf, 0)
	}
	encoder.Write(file, buf)
	return nil
}

// ReadMP3Mono decodes an MP3 file to mono float32 at targetRate.
// go-mp3 always yields interleaved 16-bit stereo at the file's native
// rate; we downmix and linearly resample.
func ReadMP3Mono(path string, targetRate int) ([]float32, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open MP3 file: %w", err)
	}
	defer file.Close()

	decoder, err := gomp3.NewDecoder(file)
	if err != nil {
		return nil, fmt.Errorf("decode MP3: %w", err)
	}

	raw, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("read MP3 PCM: %w", err)
	}

	// 4 bytes per frame: 16-bit L + 16-bit R.
	frames := len(raw) / 4
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		l := int16(uint16(raw[i*4]) | uint16(raw[i*4+1])<<8)
		r := int16(uint16(raw[i*4+2]) | uint16(raw[i*4+3])<<8)
		mono[i] = (float32(l) + float32(r)) / (2 * 32768.0)
	}

	srcRate := decoder.SampleRate()
	if srcRate == targetRate || srcRate == 0 || len(mono) == 0 {
		return mono, nil
	}
	return resampleLinear(mono, srcRate, targetRate), nil
}

func resampleLinear(src []float32, srcRate, dstRate int) []float32 {
	outLen := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if outLen == 0 {
		return nil
	}
	out := make([]float32, outLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(src)-1 {
			out[i] = src[len(src)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = src[idx]*(1-frac) + src[idx+1]*frac
	}
	return out
}
