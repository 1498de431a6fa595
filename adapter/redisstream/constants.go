package redisstream

// Stream entry field names.
const (
	fieldID          = "id"
	fieldName        = "name"
	fieldContentType = "contentType"
	fieldPayload     = "payload"    // raw []byte, no base64
	fieldProducedAt  = "producedAt" // int64 ns
	fieldMetaPrefix  = "meta:"

	// dead-letter entries only
	fieldOrigTopic = "orig_topic"
	fieldOrigID    = "orig_id"
	fieldError     = "error"
)
