package model

// IngestEnvelope carries one raw log line with source metadata.
// It is the transport contract between line-oriented inputs and decoding.
type IngestEnvelope struct {
	Source string
	Line   string
}
