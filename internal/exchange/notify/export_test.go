package notify

import "github.com/segmentio/kafka-go"

// MessageWriter is the writer used by the publisher.
type MessageWriter = messageWriter

// WithWriter overrides the kafka writer.
func WithWriter(w MessageWriter) Options {
	return func(o *options) {
		o.newWriter = func(Config) messageWriter { return w }
	}
}

// Writer returns the underlying kafka writer, if any.
func (k Kafka) Writer() *kafka.Writer {
	w, _ := k.w.(*kafka.Writer)
	return w
}
