// Package messaging defines the unit of work run for every delivery and the
// relay transformation built on it.
//
// The consumer in internal/rabbitmq is generic over MessageHandler; a handler
// returning nil lets the consumer acknowledge the delivery, any error makes it
// a failed delivery.
//
// QueueProcessor is the relay's handler: it decodes an InputMessage, stamps it
// with a freshly generated UUID and publishes the resulting OutputMessage to
// the output queue.
//
//	processor := messaging.NewQueueProcessor(publisher, "orders.in", "orders.out",
//		messaging.WithProcessorLogger(logger))
//	err := consumer.StartConsuming(ctx, "orders.in", processor)
package messaging
