package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is the body of a DATA or OOB envelope before the registry
// stamps it with a session id and sequence number.
//
// DATA carries Text.  OOB carries Command with positional Args and
// keyword Kwargs, the shape of a webclient/GMCP command.
type Message struct {
	Kind    Kind
	Text    []byte
	Command string
	Args    []any
	Kwargs  map[string]any
}

// Text builds a DATA message.
func Text(s string) Message {
	return Message{Kind: KindData, Text: []byte(s)}
}

// OOB builds an out-of-band command message.
func OOB(cmd string, args []any, kwargs map[string]any) Message {
	return Message{Kind: KindOOB, Command: cmd, Args: args, Kwargs: kwargs}
}

// String returns the text of a DATA message or the command name.
func (m Message) String() string {
	if m.Kind == KindData {
		return string(m.Text)
	}
	return m.Command
}

// Payload returns the envelope payload for m: raw bytes for DATA, the
// JSON triple ["cmd", [args], {kwargs}] for OOB.
func (m Message) Payload() ([]byte, error) {
	switch m.Kind {
	case KindData:
		return m.Text, nil
	case KindOOB:
		return marshalTriple(m.Command, m.Args, m.Kwargs)
	default:
		return nil, fmt.Errorf("%w: message kind %s", ErrInvalidKind, m.Kind)
	}
}

// ParseMessage rebuilds a Message from an envelope's kind and payload.
func ParseMessage(kind Kind, payload []byte) (Message, error) {
	switch kind {
	case KindData:
		return Message{Kind: KindData, Text: append([]byte(nil), payload...)}, nil
	case KindOOB:
		cmd, args, kwargs, err := unmarshalTriple(payload)
		if err != nil {
			return Message{}, err
		}
		return OOB(cmd, args, kwargs), nil
	default:
		return Message{}, fmt.Errorf("%w: message kind %s", ErrInvalidKind, kind)
	}
}

// ── Webclient wire format ────────────────────────────────────────────
//
// Browsers exchange ["cmdname", [args...], {kwargs}].  The "text"
// command is plain game text; everything else is out-of-band.

// ParseWebclient decodes one webclient JSON frame.
func ParseWebclient(data []byte) (Message, error) {
	cmd, args, kwargs, err := unmarshalTriple(data)
	if err != nil {
		return Message{}, err
	}
	if cmd == "text" {
		parts := make([]string, 0, len(args))
		for _, a := range args {
			parts = append(parts, fmt.Sprint(a))
		}
		return Text(strings.Join(parts, " ")), nil
	}
	return OOB(cmd, args, kwargs), nil
}

// MarshalWebclient encodes m as a webclient JSON frame.
func MarshalWebclient(m Message) ([]byte, error) {
	if m.Kind == KindData {
		return marshalTriple("text", []any{string(m.Text)}, nil)
	}
	return marshalTriple(m.Command, m.Args, m.Kwargs)
}

func marshalTriple(cmd string, args []any, kwargs map[string]any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return json.Marshal([]any{cmd, args, kwargs})
}

func unmarshalTriple(data []byte) (string, []any, map[string]any, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", nil, nil, fmt.Errorf("webclient frame: %w", err)
	}
	if len(raw) == 0 {
		return "", nil, nil, fmt.Errorf("webclient frame: empty array")
	}

	var cmd string
	if err := json.Unmarshal(raw[0], &cmd); err != nil || cmd == "" {
		return "", nil, nil, fmt.Errorf("webclient frame: command must be a non-empty string")
	}

	var args []any
	if len(raw) > 1 {
		if err := json.Unmarshal(raw[1], &args); err != nil {
			// A bare scalar is treated as a single argument.
			var one any
			if err := json.Unmarshal(raw[1], &one); err != nil {
				return "", nil, nil, fmt.Errorf("webclient frame args: %w", err)
			}
			args = []any{one}
		}
	}

	var kwargs map[string]any
	if len(raw) > 2 {
		if err := json.Unmarshal(raw[2], &kwargs); err != nil {
			return "", nil, nil, fmt.Errorf("webclient frame kwargs: %w", err)
		}
	}
	return cmd, args, kwargs, nil
}
