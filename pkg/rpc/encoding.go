package rpc

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
)

// codec converts constant bytes to and from their text form.
type codec struct {
	encode func([]byte) (string, error)
	decode func(string) ([]byte, error)
}

var codecs = map[Encoding]codec{
	EncodingBase64: {
		encode: func(b []byte) (string, error) { return base64.StdEncoding.EncodeToString(b), nil },
		decode: base64.StdEncoding.DecodeString,
	},
	EncodingBase58: {
		encode: func(b []byte) (string, error) { return base58.Encode(b), nil },
		decode: base58.Decode,
	},
	EncodingHex: {
		encode: func(b []byte) (string, error) { return hex.EncodeToString(b), nil },
		decode: hex.DecodeString,
	},
	EncodingBase64Zstd: {
		encode: func(b []byte) (string, error) {
			enc, _, err := zstdCoders()
			if err != nil {
				return "", err
			}
			return base64.StdEncoding.EncodeToString(enc.EncodeAll(b, nil)), nil
		},
		decode: func(s string) ([]byte, error) {
			raw, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("base64: %w", err)
			}
			_, dec, err := zstdCoders()
			if err != nil {
				return nil, err
			}
			return dec.DecodeAll(raw, nil)
		},
	},
}

// The zstd coders are shared; EncodeAll and DecodeAll are safe for
// concurrent use.
type zstdCoderPair struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var zstdCodersOnce = sync.OnceValues(func() (zstdCoderPair, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return zstdCoderPair{}, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return zstdCoderPair{}, err
	}
	return zstdCoderPair{enc, dec}, nil
})

func zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	p, err := zstdCodersOnce()
	return p.enc, p.dec, err
}

func codecFor(encoding Encoding) (Encoding, codec) {
	if c, ok := codecs[encoding]; ok {
		return encoding, c
	}
	return EncodingBase64, codecs[EncodingBase64]
}

// EncodeData encodes constant bytes, returning [data, encoding]. Unknown
// encodings fall back to base64.
func EncodeData(data []byte, encoding Encoding) ([]string, error) {
	encoding, c := codecFor(encoding)
	s, err := c.encode(data)
	if err != nil {
		return nil, fmt.Errorf("%s encoding: %w", encoding, err)
	}
	return []string{s, string(encoding)}, nil
}

// DecodeData reverses EncodeData.
func DecodeData(encoded string, encoding Encoding) ([]byte, error) {
	_, c := codecFor(encoding)
	return c.decode(encoded)
}

// ParseEncoding parses the encoding option of a request. The empty string
// selects base64.
func ParseEncoding(s string) (Encoding, error) {
	if s == "" {
		return EncodingBase64, nil
	}
	if _, ok := codecs[Encoding(s)]; !ok {
		return "", fmt.Errorf("unsupported encoding %q", s)
	}
	return Encoding(s), nil
}
