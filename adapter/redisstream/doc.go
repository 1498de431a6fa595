// Package redisstream provides a Redis Streams transport for cebus.
//
// Transport name: "redis-streams"
//
// Each topic is a stream and each subscription group a consumer group. An
// entry carries id, name, contentType, payload (raw bytes), producedAt and
// one "meta:<key>" field per metadata entry, so a CloudEvents envelope
// travels as payload with contentType "application/cloudevents+json".
//
// Config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - group: consumer group name (default "cebus")
// - consumer: consumer name (default "cebus-<host>-<pid>")
// - concurrency: number of workers (default 8)
// - batch_size: XREADGROUP COUNT (default 128)
// - block: XREADGROUP BLOCK duration (default 5s)
// - auto_create: create group/stream if missing (default true)
// - start_id: where new groups start, "$" or "0" (default "$")
// - auto_delete_on_ack: XDEL after XACK (default false)
// - dead_letter: stream receiving Nacked entries (optional)
// - claim_min_idle, claim_interval, claim_batch: pending entry recovery
//
// Example builder usage:
//
//	bus, _ := cebus.NewBusBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "concurrency": 16,
//	        "block":       "5s",
//	        "dead_letter": "users-dlq",
//	    }).
//	    WithCodecInstance(serializer).
//	    Build()
package redisstream
