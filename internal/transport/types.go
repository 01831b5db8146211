package transport

import "context"

// RecipientID addresses one recipient on the messaging platform.
// For Telegram this is the chat id.
type RecipientID int64

// Message is the immutable payload of one broadcast: body text plus an
// optional image reference (a local file path). When ImageRef is set the
// body is delivered as the image caption.
type Message struct {
	Body     string
	ImageRef string
}

// Sender is the outbound half of a messaging transport.
//
// Send must return nil on success or an error classifiable with the
// helpers in errors.go. The delivery engine never inspects raw platform
// errors directly.
type Sender interface {
	Send(ctx context.Context, to RecipientID, msg Message) error
}
