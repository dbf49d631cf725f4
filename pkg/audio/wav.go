// Package audio provides the sample-level conversions the transcription core
// needs on its hot path: RIFF/WAV encoding and decoding, sample-rate
// conversion, channel downmixing, and float32 clipping.
//
// All functions operate on mono float32 samples in the range [-1, 1] unless
// stated otherwise. Nothing here touches the filesystem; WAV payloads are
// built and parsed in memory.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// WhisperSampleRate is the sample rate the speech decoder expects.
const WhisperSampleRate = 16000

const (
	riffHeaderSize = 44
	formatPCM      = 1
	formatFloat    = 3
)

// ErrNotWAV is returned by DecodeWAV when the payload does not start with a
// RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: payload is not a RIFF/WAVE file")

// EncodeWAV wraps mono float32 samples in a 16-bit PCM RIFF/WAV container.
// Samples are clipped to [-1, 1] before quantisation. The returned bytes are
// suitable for direct inclusion in a multipart upload.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(samples) * 2

	buf := make([]byte, riffHeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], formatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, s := range samples {
		v := int16(clipSample(s) * 32767)
		binary.LittleEndian.PutUint16(buf[riffHeaderSize+i*2:], uint16(v))
	}
	return buf
}

// DecodeWAV parses a RIFF/WAV payload and returns mono float32 samples plus
// the declared sample rate. 16-bit PCM and 32-bit IEEE float data are
// supported; multi-channel audio is downmixed by averaging. Returns ErrNotWAV
// for payloads without a RIFF/WAVE header and a descriptive error for
// truncated or unsupported files.
func DecodeWAV(data []byte) ([]float32, int, error) {
	if len(data) < riffHeaderSize {
		return nil, 0, ErrNotWAV
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}

	var (
		sampleRate    int
		channels      int
		bitsPerSample int
		audioFormat   int
		haveFmt       bool
	)

	// Walk the chunk list: WAV files in the wild carry LIST/fact/cue chunks
	// between fmt and data.
	off := 12
	for off+8 <= len(data) {
		chunkID := string(data[off : off+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+chunkSize > len(data) {
			return nil, 0, fmt.Errorf("audio: truncated %q chunk (%d bytes past end)", chunkID, body+chunkSize-len(data))
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, 0, fmt.Errorf("audio: fmt chunk too small (%d bytes)", chunkSize)
			}
			audioFormat = int(binary.LittleEndian.Uint16(data[body : body+2]))
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, 0, errors.New("audio: data chunk before fmt chunk")
			}
			samples, err := decodeSamples(data[body:body+chunkSize], audioFormat, channels, bitsPerSample)
			if err != nil {
				return nil, 0, err
			}
			return samples, sampleRate, nil
		}

		// Chunks are word-aligned; odd sizes carry a pad byte.
		off = body + chunkSize
		if chunkSize%2 == 1 {
			off++
		}
	}

	return nil, 0, errors.New("audio: no data chunk found")
}

// DecodeWAVReader reads all of r and decodes it with DecodeWAV.
func DecodeWAVReader(r io.Reader) ([]float32, int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("audio: read wav source: %w", err)
	}
	return DecodeWAV(data)
}

// decodeSamples converts raw interleaved sample data to mono float32.
func decodeSamples(raw []byte, format, channels, bits int) ([]float32, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("audio: invalid channel count %d", channels)
	}

	switch {
	case format == formatPCM && bits == 16:
		frames := len(raw) / 2 / channels
		out := make([]float32, frames)
		for i := range frames {
			var sum float64
			for c := range channels {
				s := int16(binary.LittleEndian.Uint16(raw[(i*channels+c)*2:]))
				sum += float64(s) / 32768
			}
			out[i] = float32(sum / float64(channels))
		}
		return out, nil

	case format == formatFloat && bits == 32:
		frames := len(raw) / 4 / channels
		out := make([]float32, frames)
		for i := range frames {
			var sum float64
			for c := range channels {
				u := binary.LittleEndian.Uint32(raw[(i*channels+c)*4:])
				sum += float64(math.Float32frombits(u))
			}
			out[i] = float32(sum / float64(channels))
		}
		return out, nil

	default:
		return nil, fmt.Errorf("audio: unsupported format (fmt=%d, bits=%d)", format, bits)
	}
}

// clipSample clamps a single sample to [-1, 1].
func clipSample(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
