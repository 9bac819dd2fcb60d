package archive

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/tinytelemetry/vigil/internal/model"
)

type batchHeader struct {
	BatchID   string    `json:"batch_id"`
	CreatedAt time.Time `json:"created_at"`
	Records   int       `json:"records"`
}

// Codec serializes a batch as JSON lines (one header line, then one line per
// record in arrival order) compressed with zstd.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("archive: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("archive: new zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Encode is safe for concurrent use.
func (c *Codec) Encode(batch model.ArchiveBatch) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(batchHeader{BatchID: batch.ID, CreatedAt: batch.CreatedAt, Records: len(batch.Records)}); err != nil {
		return nil, fmt.Errorf("archive: encode header: %w", err)
	}
	for i := range batch.Records {
		if err := enc.Encode(batch.Records[i]); err != nil {
			return nil, fmt.Errorf("archive: encode record %d: %w", i, err)
		}
	}
	return c.enc.EncodeAll(buf.Bytes(), make([]byte, 0, buf.Len()/2)), nil
}

// Decode reverses Encode. A record count that disagrees with the header is an error.
func (c *Codec) Decode(data []byte) (model.ArchiveBatch, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return model.ArchiveBatch{}, fmt.Errorf("archive: decompress: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		return model.ArchiveBatch{}, fmt.Errorf("archive: decode: missing header")
	}
	var hdr batchHeader
	if err := json.Unmarshal(scanner.Bytes(), &hdr); err != nil {
		return model.ArchiveBatch{}, fmt.Errorf("archive: decode header: %w", err)
	}

	batch := model.ArchiveBatch{
		ID:        hdr.BatchID,
		CreatedAt: hdr.CreatedAt,
		Records:   make([]model.LogRecord, 0, hdr.Records),
	}
	for scanner.Scan() {
		var rec model.LogRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return model.ArchiveBatch{}, fmt.Errorf("archive: decode record %d: %w", len(batch.Records), err)
		}
		batch.Records = append(batch.Records, rec)
	}
	if err := scanner.Err(); err != nil {
		return model.ArchiveBatch{}, fmt.Errorf("archive: decode: %w", err)
	}
	if len(batch.Records) != hdr.Records {
		return model.ArchiveBatch{}, fmt.Errorf("archive: decode: header says %d records, found %d", hdr.Records, len(batch.Records))
	}
	return batch, nil
}

// Close releases the zstd encoder and decoder.
func (c *Codec) Close() {
	_ = c.enc.Close()
	c.dec.Close()
}
