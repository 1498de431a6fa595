// Package cloudevents wraps bus messages in CloudEvents 1.0 structured-mode
// JSON envelopes so they can be exchanged with sidecar pub/sub runtimes.
//
// Every domain type crossing the wire is registered under a short, explicit
// tag that becomes the envelope "type" attribute:
//
//	type UserLoggedIn struct {
//	    UserID int `json:"userId"`
//	}
//
//	ser, _ := cloudevents.NewSerializer(
//	    cloudevents.WithType[UserLoggedIn]("loggedIn"),
//	)
//	b, _ := ser.Serialize(UserLoggedIn{UserID: 1234})
//	// {"specversion":"1.0","id":"...","source":"urn:cebus","type":"loggedIn",
//	//  "datacontenttype":"application/json","time":"...","data":{"userId":1234}}
//
// The inner payload is produced by any bus codec (json by default, msgpack and
// cbor from the codec package). JSON content types are embedded as "data",
// text/* as a JSON string, everything else as "data_base64". WithContentType
// overrides the label independently of the codec.
//
// The registry is frozen when the serializer is built; Serialize and
// Deserialize are safe for concurrent use.
package cloudevents
