// Package rabbitmq provides a cebus.Transport over a RabbitMQ topic exchange.
//
// Topics map to routing keys on a single exchange. Each consumer group gets
// its own durable queue named "<group>.<topic>", bound with the topic as
// binding key, so every group receives each message once and the workers of
// a group compete for it.
//
// Message fields travel as AMQP properties:
//
//	ID          -> MessageId
//	Name        -> Type
//	ContentType -> ContentType (application/cloudevents+json for envelopes)
//	ProducedAt  -> Timestamp
//	Metadata    -> Headers
//
// Nack rejects the delivery without requeue when a dead-letter exchange is
// configured (the broker routes it there), otherwise it requeues when
// Requeue is set and drops it when not.
package rabbitmq
