package domain

import "context"

// RangeSource is the reference range collaborator. Implementations return the
// active rows for one normalized code in a stable order.
type RangeSource interface {
	FetchActiveRanges(ctx context.Context, normalizedCode string) ([]ReferenceRange, error)
}

// RangeStore is a RangeSource that can also be loaded with rows, as used by
// the seed command and tests.
type RangeStore interface {
	RangeSource
	UpsertRanges(ctx context.Context, ranges []ReferenceRange) error
	ListRanges(ctx context.Context) ([]ReferenceRange, error)
}

// TextProducer is the OCR collaborator: it turns document bytes into text.
type TextProducer interface {
	ProduceText(ctx context.Context, data []byte, mimeType string) (string, error)
}
