package uploader

import (
	"github.com/google/uuid"
	"github.com/szibis/batch-uploader/internal/auth"
	"github.com/szibis/batch-uploader/internal/compression"
	"github.com/szibis/batch-uploader/internal/transport"
)

// Batch is a contiguous run of records drained from one writer. It is
// uploaded once, possibly with retries, and then discarded.
type Batch struct {
	// ID correlates log lines and dead-letter notifications of one batch.
	ID          string
	URL         string
	Start       uint64
	Records     int
	Payload     []byte
	Encoding    compression.Type
	Credentials auth.Credentials
}

func newBatch(w *writer, start uint64, records [][]byte) (*Batch, error) {
	payload, err := compression.Encode(records, w.encoding)
	if err != nil {
		return nil, err
	}
	return &Batch{
		ID:          uuid.NewString(),
		URL:         w.url,
		Start:       start,
		Records:     len(records),
		Payload:     payload,
		Encoding:    w.encoding,
		Credentials: w.credentials,
	}, nil
}

// End returns the offset following the last record of the batch.
func (b *Batch) End() uint64 {
	return b.Start + uint64(b.Records)
}

func (b *Batch) request() transport.UploadRequest {
	return transport.UploadRequest{
		URL:         b.URL,
		Start:       b.Start,
		Payload:     b.Payload,
		Encoding:    b.Encoding,
		Credentials: b.Credentials,
	}
}

// DroppedBatch is reported to Config.OnBatchDropped when a batch is given up.
type DroppedBatch struct {
	Batch    *Batch
	Attempts int
	Err      error
}
