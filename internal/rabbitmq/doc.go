// Package rabbitmq is the relay's broker layer on top of amqp091-go.
//
//   - ConnectionManager: one logical connection, dialled with a bounded
//     constant-delay retry, reporting unexpected loss on NotifyLost
//   - Publisher: confirm-mode publishing of JSON payloads; confirmations are
//     matched to concurrent callers by delivery tag
//   - Consumer: subscription with a permit pool bounding in-flight handlers and
//     an explicit failure policy (dead-letter, requeue once, leave pending)
//   - Topology and QueueInspector: durable and dead-letter declarations,
//     passive declarations for queue depth
//
// Channels are narrowed to small interfaces (PublishChannel, ConsumeChannel,
// QueueDeclarer, PassiveDeclarer) that *amqp.Channel satisfies.
package rabbitmq
