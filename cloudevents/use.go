package cloudevents

import (
	"github.com/trickstertwo/cebus"
)

// UseCloudEvents builds a Serializer from opts and installs it as the codec
// of the bus under construction.
//
// Example:
//
//	bb := cebus.NewBusBuilder().WithTransport(memory.TransportName, nil)
//	ser, err := cloudevents.UseCloudEvents(bb,
//	    cloudevents.WithType[UserLoggedIn]("loggedIn"),
//	    cloudevents.WithSource("urn:accounts"),
//	)
func UseCloudEvents(bb *cebus.BusBuilder, opts ...Option) (*Serializer, error) {
	s, err := NewSerializer(opts...)
	if err != nil {
		return nil, err
	}
	bb.WithCodecInstance(s)
	return s, nil
}
