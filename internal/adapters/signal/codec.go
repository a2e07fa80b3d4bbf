package signal

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dkeye/Stage/internal/domain"
)

// Websocket subprotocols a client may negotiate. No subprotocol means JSON.
const (
	SubprotocolJSON    = "stage.json"
	SubprotocolMsgpack = "stage.msgpack"
)

// Request is one decoded client request; Data stays encoded until the
// handler knows its shape.
type Request struct {
	ID     uint64
	Method string
	Data   []byte
}

type Codec interface {
	Subprotocol() string
	MessageType() int
	Encode(v any) ([]byte, error)
	DecodeRequest(b []byte) (Request, error)
	Decode(data []byte, v any) error
}

func codecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return msgpackCodec{}
	}
	return jsonCodec{}
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string          { return SubprotocolJSON }
func (jsonCodec) MessageType() int             { return websocket.TextMessage }
func (jsonCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) DecodeRequest(b []byte) (Request, error) {
	var env struct {
		ID     uint64          `json:"id"`
		Method string          `json:"method"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return Request{}, fmt.Errorf("%w: %w", domain.ErrBadRequest, err)
	}
	return Request{ID: env.ID, Method: env.Method, Data: env.Data}, nil
}

func (jsonCodec) Decode(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBadRequest, err)
	}
	return nil
}

// msgpackCodec reuses the json struct tags so both wire formats share
// field names.
type msgpackCodec struct{}

func (msgpackCodec) Subprotocol() string { return SubprotocolMsgpack }
func (msgpackCodec) MessageType() int    { return websocket.BinaryMessage }

func (msgpackCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c msgpackCodec) DecodeRequest(b []byte) (Request, error) {
	var env struct {
		ID     uint64             `json:"id"`
		Method string             `json:"method"`
		Data   msgpack.RawMessage `json:"data"`
	}
	if err := c.decode(b, &env); err != nil {
		return Request{}, fmt.Errorf("%w: %w", domain.ErrBadRequest, err)
	}
	return Request{ID: env.ID, Method: env.Method, Data: env.Data}, nil
}

func (c msgpackCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := c.decode(data, v); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBadRequest, err)
	}
	return nil
}

func (msgpackCodec) decode(b []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
