// Package compression turns a batch of pre-serialized records into an upload
// payload for a given content encoding, and back.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Delimiter terminates every record in an encoded batch.
const Delimiter = '\n'

// Type represents a content encoding. It travels with every batch so the
// transport can set the Content-Encoding header.
type Type string

const (
	// TypeIdentity sends the delimited records uncompressed.
	TypeIdentity Type = "identity"
	// TypeGzip gzip-compresses the whole delimited batch.
	TypeGzip Type = "gzip"
	// TypeZstd zstd-compresses the whole delimited batch.
	TypeZstd Type = "zstd"
)

// Codec compresses and decompresses a complete payload.
type Codec interface {
	Compress(w io.Writer, data []byte) error
	Decompress(data []byte) ([]byte, error)
}

var (
	codecsMu sync.RWMutex
	codecs   = map[Type]Codec{
		TypeGzip: gzipCodec{},
		TypeZstd: zstdCodec{},
	}
)

// Register adds or replaces the codec for a content encoding. Writers and the
// scheduler only carry the Type, so new encodings need no other changes.
func Register(t Type, c Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[t] = c
}

func lookup(t Type) (Codec, bool) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	c, ok := codecs[t]
	return c, ok
}

// ParseType parses a content encoding string.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case "", "none", TypeIdentity:
		return TypeIdentity, nil
	default:
		if _, ok := lookup(t); ok {
			return t, nil
		}
		return TypeIdentity, fmt.Errorf("unsupported content encoding: %s", s)
	}
}

// ContentEncoding returns the HTTP Content-Encoding header value.
func (t Type) ContentEncoding() string {
	if t == "" {
		return string(TypeIdentity)
	}
	return string(t)
}

// Encode concatenates records, each followed by Delimiter, and compresses the
// result for non-identity encodings.
func Encode(records [][]byte, t Type) ([]byte, error) {
	size := 0
	for _, r := range records {
		size += len(r) + 1
	}
	raw := make([]byte, 0, size)
	for _, r := range records {
		raw = append(raw, r...)
		raw = append(raw, Delimiter)
	}

	if t == TypeIdentity || t == "" {
		return raw, nil
	}
	c, ok := lookup(t)
	if !ok {
		return nil, fmt.Errorf("unsupported content encoding: %s", t)
	}

	buf := getBuffer()
	defer putBuffer(buf)
	if err := c.Compress(buf, raw); err != nil {
		return nil, fmt.Errorf("%s encode: %w", t, err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Decode reverses Encode and returns the individual records.
func Decode(payload []byte, t Type) ([][]byte, error) {
	raw := payload
	if t != TypeIdentity && t != "" {
		c, ok := lookup(t)
		if !ok {
			return nil, fmt.Errorf("unsupported content encoding: %s", t)
		}
		var err error
		if raw, err = c.Decompress(payload); err != nil {
			return nil, fmt.Errorf("%s decode: %w", t, err)
		}
	}

	var records [][]byte
	for len(raw) > 0 {
		i := bytes.IndexByte(raw, Delimiter)
		if i < 0 {
			return nil, fmt.Errorf("truncated record: missing delimiter after %d bytes", len(raw))
		}
		records = append(records, raw[:i])
		raw = raw[i+1:]
	}
	return records, nil
}

var bufferPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

func getBuffer() *bytes.Buffer {
	bufferPoolGets.Add(1)
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	// Oversized buffers are left to the GC.
	if buf.Cap() > 4<<20 {
		return
	}
	bufferPoolPuts.Add(1)
	bufferPool.Put(buf)
}

var gzipWriterPool sync.Pool

type gzipCodec struct{}

func (gzipCodec) Compress(w io.Writer, data []byte) error {
	gw, _ := gzipWriterPool.Get().(*gzip.Writer)
	if gw == nil {
		encoderPoolNews.Add(1)
		gw = gzip.NewWriter(w)
	} else {
		gw.Reset(w)
	}
	if _, err := gw.Write(data); err != nil {
		return fmt.Errorf("failed to write gzip data: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("failed to close gzip writer: %w", err)
	}
	gzipWriterPool.Put(gw)
	return nil
}

func (gzipCodec) Decompress(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

var zstdEncoderPool sync.Pool

type zstdCodec struct{}

func (zstdCodec) Compress(w io.Writer, data []byte) error {
	enc, _ := zstdEncoderPool.Get().(*zstd.Encoder)
	if enc == nil {
		encoderPoolNews.Add(1)
		var err error
		if enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	_, err := w.Write(enc.EncodeAll(data, nil))
	zstdEncoderPool.Put(enc)
	return err
}

func (zstdCodec) Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
