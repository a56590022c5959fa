package uploader

import (
	"errors"
	"fmt"
)

var (
	// ErrValueTooLarge is returned by Write when an encoded record exceeds the
	// writer's maximum item size.
	ErrValueTooLarge = errors.New("value too large")
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
	// ErrUploaderClosed is returned when creating a writer on a closed uploader.
	ErrUploaderClosed = errors.New("uploader is closed")
)

// previewSize bounds the payload preview carried by ValueTooLargeError.
const previewSize = 64

// ValueTooLargeError describes a record rejected by Write.
type ValueTooLargeError struct {
	Size    int
	MaxSize int
	// Preview holds the first bytes of the encoded record.
	Preview []byte
}

func newValueTooLargeError(data []byte, maxSize int) *ValueTooLargeError {
	n := min(len(data), previewSize)
	return &ValueTooLargeError{
		Size:    len(data),
		MaxSize: maxSize,
		Preview: append([]byte(nil), data[:n]...),
	}
}

func (e *ValueTooLargeError) Error() string {
	return fmt.Sprintf("value too large: %d bytes exceeds limit of %d bytes: %q...", e.Size, e.MaxSize, e.Preview)
}

// Unwrap lets errors.Is match ErrValueTooLarge.
func (e *ValueTooLargeError) Unwrap() error {
	return ErrValueTooLarge
}
