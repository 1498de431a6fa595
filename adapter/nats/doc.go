// Package nats provides a cebus.Transport over core NATS.
//
// A topic is a subject and a consumer group is a NATS queue group, so each
// group receives a message once. Message fields travel as NATS headers:
//
//	Cebus-Id, Cebus-Name, Content-Type, Cebus-Produced-At, Cebus-Meta-<key>
//
// Core NATS has no acknowledgements: Ack and Nack only update counters, and
// a nacked message is not redelivered.
package nats
