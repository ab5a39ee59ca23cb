package kv

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/loadstone-io/loadstone/internal/catalog"
)

// Envelope layout: two magic bytes, a format version, a flags byte, the
// payload length as a uvarint, then the payload. JSON documents never start
// with 'L', so raw pre-envelope values are always distinguishable and read
// back untouched.
const (
	envelopeMagic0  = 'L'
	envelopeMagic1  = 'S'
	envelopeVersion = 1

	flagGzip = 0x01

	envelopeHeaderLen = 4
)

// DefaultCompressionThreshold is the value size at which compression starts
// being attempted.
const DefaultCompressionThreshold = 512

// EncodedStore wraps a Store with the envelope codec. Values above the
// compression threshold are gzip-compressed when that actually shrinks them;
// everything is framed so readers can tell how to decode.
type EncodedStore struct {
	next      Store
	threshold int
}

var _ Store = (*EncodedStore)(nil)

// NewEncodedStore wraps next with the envelope codec. threshold is the
// minimum value size for compression attempts; zero or negative selects
// DefaultCompressionThreshold.
func NewEncodedStore(next Store, threshold int) *EncodedStore {
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}

	return &EncodedStore{
		next:      next,
		threshold: threshold,
	}
}

func (s *EncodedStore) Put(ctx context.Context, key EntryKey, value []byte) error {
	encoded, err := s.encode(value)
	if err != nil {
		return err
	}

	return s.next.Put(ctx, key, encoded)
}

func (s *EncodedStore) Get(ctx context.Context, key EntryKey) ([]byte, bool, error) {
	value, found, err := s.next.Get(ctx, key)
	if err != nil || !found {
		return nil, found, err
	}

	decoded, err := decode(value)
	if err != nil {
		return nil, false, err
	}

	return decoded, true, nil
}

func (s *EncodedStore) PutBatch(ctx context.Context, entries []Entry) error {
	encoded := make([]Entry, len(entries))

	for i, entry := range entries {
		value, err := s.encode(entry.Value)
		if err != nil {
			return err
		}

		encoded[i] = Entry{Key: entry.Key, Value: value}
	}

	return s.next.PutBatch(ctx, encoded)
}

func (s *EncodedStore) GetBatch(ctx context.Context, keys []EntryKey) (map[EntryKey]Result, error) {
	results, err := s.next.GetBatch(ctx, keys)
	if err != nil {
		return nil, err
	}

	for key, result := range results {
		if !result.Found {
			continue
		}

		decoded, err := decode(result.Value)
		if err != nil {
			return nil, err
		}

		results[key] = Result{Value: decoded, Found: true}
	}

	return results, nil
}

func (s *EncodedStore) HealthCheck(ctx context.Context) error {
	return s.next.HealthCheck(ctx)
}

func (s *EncodedStore) Close() error {
	return s.next.Close()
}

func (s *EncodedStore) encode(value []byte) ([]byte, error) {
	payload := value
	flags := byte(0)

	if len(value) >= s.threshold {
		compressed, err := gzipBytes(value)
		if err != nil {
			return nil, catalog.NewInternal("compressing entry value", err)
		}

		if len(compressed) < len(value) {
			payload = compressed
			flags |= flagGzip
		}
	}

	header := make([]byte, envelopeHeaderLen, envelopeHeaderLen+binary.MaxVarintLen64+len(payload))
	header[0] = envelopeMagic0
	header[1] = envelopeMagic1
	header[2] = envelopeVersion
	header[3] = flags

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))

	out := append(header, lenBuf[:n]...)

	return append(out, payload...), nil
}

func decode(value []byte) ([]byte, error) {
	if len(value) < envelopeHeaderLen || value[0] != envelopeMagic0 || value[1] != envelopeMagic1 {
		// Raw value written before the codec was in front of the store.
		return value, nil
	}

	if value[2] != envelopeVersion {
		return nil, catalog.NewInternal("decoding entry value",
			fmt.Errorf("unsupported envelope version %d", value[2]))
	}

	flags := value[3]

	length, n := binary.Uvarint(value[envelopeHeaderLen:])
	if n <= 0 {
		return nil, catalog.NewInternal("decoding entry value",
			fmt.Errorf("malformed envelope length"))
	}

	payload := value[envelopeHeaderLen+n:]
	if uint64(len(payload)) != length {
		return nil, catalog.NewInternal("decoding entry value",
			fmt.Errorf("envelope declares %d payload bytes, found %d", length, len(payload)))
	}

	if flags&flagGzip == 0 {
		return payload, nil
	}

	reader, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, catalog.NewInternal("decompressing entry value", err)
	}

	decoded, err := io.ReadAll(reader)
	if err != nil {
		_ = reader.Close()

		return nil, catalog.NewInternal("decompressing entry value", err)
	}

	if err := reader.Close(); err != nil {
		return nil, catalog.NewInternal("decompressing entry value", err)
	}

	return decoded, nil
}

func gzipBytes(value []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer := gzip.NewWriter(&buf)

	if _, err := writer.Write(value); err != nil {
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
