package rtmp

import (
	"bytes"
	"fmt"
	"strings"

	"live-ingest/internal/message"

	"github.com/mitchellh/mapstructure"
	"github.com/yutopp/go-amf0"
)

// Command is a decoded AMF0 command message.
type Command struct {
	Name          string
	TransactionID float64
	// Object is the command object; nil when the peer sent AMF null.
	Object map[string]interface{}
	Args   []interface{}
}

// DecodeCommand decodes name, transaction id, command object and any
// trailing arguments.
func DecodeCommand(payload []byte) (*Command, error) {
	dec := amf0.NewDecoder(bytes.NewReader(payload))

	cmd := &Command{}
	if err := dec.Decode(&cmd.Name); err != nil {
		return nil, fmt.Errorf("%w: name: %w", ErrMalformedCommand, err)
	}
	if err := dec.Decode(&cmd.TransactionID); err != nil {
		// A bare name is tolerated; some encoders send onBWDone-style calls that way.
		return cmd, nil
	}
	var obj interface{}
	if err := dec.Decode(&obj); err != nil {
		return cmd, nil
	}
	if m, ok := obj.(map[string]interface{}); ok {
		cmd.Object = m
	}
	for {
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			break
		}
		cmd.Args = append(cmd.Args, v)
	}
	return cmd, nil
}

// StringArg returns argument i as a string.
func (c *Command) StringArg(i int) (string, bool) {
	if i >= len(c.Args) {
		return "", false
	}
	s, ok := c.Args[i].(string)
	return s, ok
}

// NumberArg returns argument i as a number.
func (c *Command) NumberArg(i int) (float64, bool) {
	if i >= len(c.Args) {
		return 0, false
	}
	f, ok := c.Args[i].(float64)
	return f, ok
}

// EncodeAMF encodes values back to back as AMF0.
func EncodeAMF(values ...interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := amf0.NewEncoder(&buf)
	for _, v := range values {
		if err := enc.Encode(v); err != nil {
			return nil, fmt.Errorf("amf0 encode %T: %w", v, err)
		}
	}
	return buf.Bytes(), nil
}

// newCommandMessage builds an AMF0 command message on the given message stream.
func newCommandMessage(streamID uint32, name string, transactionID float64, values ...interface{}) (*message.Message, error) {
	payload, err := EncodeAMF(append([]interface{}{name, transactionID}, values...)...)
	if err != nil {
		return nil, err
	}
	return &message.Message{
		TypeID:   message.TypeIDCommandMessageAMF0,
		StreamID: streamID,
		Payload:  payload,
	}, nil
}

// ConnectCommand is the command object of "connect".
type ConnectCommand struct {
	App            string  `mapstructure:"app"`
	Type           string  `mapstructure:"type"`
	FlashVer       string  `mapstructure:"flashVer"`
	TCURL          string  `mapstructure:"tcUrl"`
	SWFURL         string  `mapstructure:"swfUrl"`
	PageURL        string  `mapstructure:"pageUrl"`
	Fpad           bool    `mapstructure:"fpad"`
	Capabilities   float64 `mapstructure:"capabilities"`
	AudioCodecs    float64 `mapstructure:"audioCodecs"`
	VideoCodecs    float64 `mapstructure:"videoCodecs"`
	VideoFunction  float64 `mapstructure:"videoFunction"`
	ObjectEncoding float64 `mapstructure:"objectEncoding"`
}

// DecodeConnect maps a connect command object onto ConnectCommand.
func DecodeConnect(obj map[string]interface{}) (ConnectCommand, error) {
	var cc ConnectCommand
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cc,
	})
	if err != nil {
		return cc, err
	}
	if err := dec.Decode(obj); err != nil {
		return cc, fmt.Errorf("%w: connect: %w", ErrMalformedCommand, err)
	}
	cc.App = strings.Trim(cc.App, "/")
	if cc.App == "" {
		return cc, fmt.Errorf("%w: connect without app", ErrMalformedCommand)
	}
	return cc, nil
}

// StreamName strips any query string ("key?token=...") from a publish or play name.
func StreamName(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	return strings.Trim(raw, "/")
}

const setDataFrame = "@setDataFrame"

// DataName returns the leading AMF0 string of a data message.
func DataName(payload []byte) string {
	var name string
	if err := amf0.NewDecoder(bytes.NewReader(payload)).Decode(&name); err != nil {
		return ""
	}
	return name
}

// StripSetDataFrame turns "@setDataFrame onMetaData {...}" into "onMetaData {...}"
// so cached metadata can be replayed to players verbatim.
func StripSetDataFrame(payload []byte) []byte {
	if DataName(payload) != setDataFrame {
		return payload
	}
	// AMF0 short string: marker, u16 length, bytes.
	n := 3 + len(setDataFrame)
	if n > len(payload) {
		return payload
	}
	return payload[n:]
}
