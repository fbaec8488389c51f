package queue

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSQueue implements TaskQueue against one SQS queue
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
}

// NewSQSQueue wraps an SQS client for a single queue
func NewSQSQueue(client *sqs.Client, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL}
}

func (q *SQSQueue) Send(ctx context.Context, body string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Consumer long-polls an SQS queue and dispatches each message to a handler.
// Messages are deleted only after the handler succeeds, so a crashed or
// failed worker leads to redelivery after the visibility timeout.
type Consumer struct {
	client   *sqs.Client
	queueURL string
	handler  HandlerFunc
}

// NewConsumer builds a consumer for one queue and handler
func NewConsumer(client *sqs.Client, queueURL string, handler HandlerFunc) *Consumer {
	return &Consumer{client: client, queueURL: queueURL, handler: handler}
}

// Run polls until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	log.Printf("📨 Consuming queue %s", c.queueURL)
	for {
		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("⚠️  Receive failed, continuing: %v", err)
			continue
		}

		for _, msg := range out.Messages {
			if err := c.handler(ctx, aws.ToString(msg.Body)); err != nil {
				// Leave the message for redelivery
				log.Printf("❌ Handler failed, message will be redelivered: %v", err)
				continue
			}

			_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(c.queueURL),
				ReceiptHandle: msg.ReceiptHandle,
			})
			if err != nil {
				// At-least-once: a failed delete means one more delivery
				log.Printf("⚠️  Delete failed, expect a duplicate delivery: %v", err)
			}
		}
	}
}
