// Package queue abstracts the at-least-once work queue between pipeline
// stages. Consumers must tolerate redelivery; a message is only removed after
// its handler returns nil.
package queue

import "context"

// TaskQueue is the producer side of the work queue.
type TaskQueue interface {
	Send(ctx context.Context, body string) error
}

// HandlerFunc processes one message body. Returning an error leaves the
// message on the queue for redelivery.
type HandlerFunc func(ctx context.Context, body string) error
