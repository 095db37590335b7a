package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"regent.ai/internal/protocol"
	"regent.ai/internal/sim/realm"
)

// SchemaSet screens inbound messages before they reach the realm loop.
type SchemaSet struct {
	hello   *jsonschema.Schema
	propose *jsonschema.Schema
	command *jsonschema.Schema
}

func LoadSchemas(dir string) (*SchemaSet, error) {
	compile := func(name string) (*jsonschema.Schema, error) {
		return jsonschema.Compile(filepath.Join(dir, name))
	}
	hello, err := compile("hello.schema.json")
	if err != nil {
		return nil, err
	}
	propose, err := compile("propose.schema.json")
	if err != nil {
		return nil, err
	}
	command, err := compile("command.schema.json")
	if err != nil {
		return nil, err
	}
	return &SchemaSet{hello: hello, propose: propose, command: command}, nil
}

func (s *SchemaSet) validate(schema *jsonschema.Schema, raw []byte) error {
	if s == nil || schema == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

type Server struct {
	realm   *realm.Realm
	schemas *SchemaSet
	log     *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(r *realm.Realm, schemas *SchemaSet, logger *log.Logger) *Server {
	s := &Server{
		realm:   r,
		schemas: schemas,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sessionID, role, out := s.handshake(conn)
		if sessionID == "" {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop. Turn-based play means long idle stretches while
		// the ruler deliberates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			res, ok := s.route(sessionID, role, msg)
			if !ok {
				continue
			}
			b, err := json.Marshal(res)
			if err != nil {
				continue
			}
			select {
			case out <- b:
			case <-ctx.Done():
			}
		}

		// Cleanup.
		s.realm.Leave() <- sessionID
	}
}

// route screens one inbound message and runs it through the realm loop.
// Returns ok=false for messages that warrant no RESULT at all.
func (s *Server) route(sessionID, role string, msg []byte) (protocol.ResultMsg, bool) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return protocol.ResultMsg{}, false
	}
	if base.ProtocolVersion != protocol.Version {
		return protocol.ResultMsg{}, false
	}

	env := realm.Envelope{SessionID: sessionID}
	var ref string

	switch base.Type {
	case protocol.TypePropose:
		var p protocol.ProposeMsg
		if err := json.Unmarshal(msg, &p); err != nil {
			return protocol.ResultMsg{}, false
		}
		ref = p.ID
		if role != "advisor" {
			return failResult(ref, protocol.ErrForbidden, "only advisors may PROPOSE"), true
		}
		if err := s.schemas.validate(s.schemas.schemaFor(base.Type), msg); err != nil {
			return failResult(ref, protocol.ErrProtoBadRequest, err.Error()), true
		}
		env.Propose = &p

	case protocol.TypeCommand:
		var c protocol.CommandMsg
		if err := json.Unmarshal(msg, &c); err != nil {
			return protocol.ResultMsg{}, false
		}
		ref = c.ID
		if role != "player" {
			return failResult(ref, protocol.ErrForbidden, "only the ruler may COMMAND"), true
		}
		if err := s.schemas.validate(s.schemas.schemaFor(base.Type), msg); err != nil {
			return failResult(ref, protocol.ErrProtoBadRequest, err.Error()), true
		}
		env.Command = &c

	default:
		return protocol.ResultMsg{}, false
	}

	resp := make(chan protocol.ResultMsg, 1)
	env.Resp = resp
	s.realm.Inbox() <- env
	select {
	case res := <-resp:
		return res, true
	case <-time.After(30 * time.Second):
		return failResult(ref, protocol.ErrInternal, "realm loop did not answer"), true
	}
}

func (s *SchemaSet) schemaFor(msgType string) *jsonschema.Schema {
	if s == nil {
		return nil
	}
	switch msgType {
	case protocol.TypeHello:
		return s.hello
	case protocol.TypePropose:
		return s.propose
	case protocol.TypeCommand:
		return s.command
	}
	return nil
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID, role string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", "", nil
	}
	if err := s.schemas.validate(s.schemas.schemaFor(protocol.TypeHello), msg); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "malformed HELLO"), time.Now().Add(time.Second))
		return "", "", nil
	}
	if hello.Role != "player" {
		hello.Role = "advisor"
	}
	if hello.Name == "" {
		hello.Name = hello.Role
	}

	out = make(chan []byte, 64)

	respCh := make(chan realm.JoinResponse, 1)
	s.realm.Join() <- realm.JoinRequest{
		Name: hello.Name,
		Role: hello.Role,
		Out:  out,
		Resp: respCh,
	}
	resp := <-respCh

	if err := writeJSON(conn, resp.Welcome); err != nil {
		return "", "", nil
	}
	return resp.Welcome.SessionID, hello.Role, out
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func failResult(ref, code, message string) protocol.ResultMsg {
	return protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Ref:             ref,
		OK:              false,
		Code:            code,
		Message:         message,
	}
}
