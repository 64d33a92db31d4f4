package sdk

import "encoding/json"

// Codec handles (de)serialization of flag and event payloads on the wire.
// The default is JSON; a custom Codec can be injected through the Config
// when the service speaks something else.
type Codec interface {
	// Marshal serializes a value for transmission.
	Marshal(v interface{}) ([]byte, error)

	// Unmarshal deserializes received data into a value.
	Unmarshal(data []byte, v interface{}) error

	// ContentType returns the MIME type sent with request bodies.
	ContentType() string
}

// jsonCodec is the default Codec.
type jsonCodec struct{}

// NewJSONCodec creates the default JSON codec.
func NewJSONCodec() Codec {
	return &jsonCodec{}
}

func (c *jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (c *jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (c *jsonCodec) ContentType() string {
	return "application/json"
}
