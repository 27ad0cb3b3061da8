package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// pcmMIMEPrefix is the MIME type used for raw int16 little-endian PCM blobs.
const pcmMIMEPrefix = "audio/pcm"

// ErrMalformedBlob is returned by [DecodeBlob] when the payload is not valid
// base64 or does not hold whole int16 samples.
var ErrMalformedBlob = errors.New("audio: malformed pcm blob")

// Blob is an encoded audio payload as carried by the remote session protocol:
// base64 text tagged with its MIME type, e.g. "audio/pcm;rate=16000".
type Blob struct {
	MIMEType string
	Data     string
}

// PCMMIMEType returns the MIME type for raw PCM at the given sample rate.
func PCMMIMEType(sampleRate int) string {
	return pcmMIMEPrefix + ";rate=" + strconv.Itoa(sampleRate)
}

// EncodeBlob base64-frames a captured frame and tags it with its sample rate.
func EncodeBlob(frame AudioFrame) Blob {
	return Blob{
		MIMEType: PCMMIMEType(frame.SampleRate),
		Data:     base64.StdEncoding.EncodeToString(frame.Data),
	}
}

// DecodeBlob decodes a base64 PCM payload into raw little-endian int16 bytes.
func DecodeBlob(b Blob) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedBlob)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedBlob, len(raw))
	}
	return raw, nil
}

// BlobSampleRate parses the rate parameter of a PCM MIME type. It returns
// (0, false) when the type is not audio/pcm or carries no rate.
func BlobSampleRate(mimeType string) (int, bool) {
	base, params, _ := strings.Cut(mimeType, ";")
	if strings.TrimSpace(base) != pcmMIMEPrefix {
		return 0, false
	}
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || k != "rate" {
			continue
		}
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return 0, false
		}
		return rate, true
	}
	return 0, false
}

// Float32ToPCM16 converts normalised float samples in [-1, 1] to
// little-endian int16 PCM. Out-of-range input is clamped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) {
			v = 0
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}

// PCM16ToFloat32 converts little-endian int16 PCM to normalised float
// samples. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}
