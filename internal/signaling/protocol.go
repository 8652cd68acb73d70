package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/netinfo"
)

// Kind is the "type" of a signaling frame.
type Kind string

const (
	// client -> server
	KindRegister         Kind = "register"
	KindUpdateDeviceName Kind = "updateDeviceName"
	KindStartDiscovery   Kind = "startDiscovery"
	KindStopDiscovery    Kind = "stopDiscovery"

	// relayed verbatim between clients
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "iceCandidate"
	KindCallRequest  Kind = "callRequest"
	KindCallAccepted Kind = "callAccepted"
	KindCallRejected Kind = "callRejected"
	KindCallEnded    Kind = "callEnded"
	KindBusy         Kind = "busy"

	// server -> client
	KindWelcome        Kind = "welcome"
	KindNetworkInfo    Kind = "networkInfo"
	KindPeerDiscovered Kind = "peerDiscovered"
	KindPeerUpdated    Kind = "peerUpdated"
	KindPeerLost       Kind = "peerLost"
	KindError          Kind = "error"
)

// IsRelay reports whether frames of this kind are forwarded to another client.
func (k Kind) IsRelay() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindCallRequest, KindCallAccepted,
		KindCallRejected, KindCallEnded, KindBusy:
		return true
	default:
		return false
	}
}

// Error codes carried by KindError frames.
const (
	CodeBadMessage     = "bad_message"
	CodeRateLimited    = "rate_limited"
	CodeTooManyClients = "too_many_clients"
	CodeInternal       = "internal_error"
)

var ErrBadMessage = errors.New("signaling: bad message")

// Envelope is the single JSON shape used for every frame in both directions.
// SDP, Candidate and ClientMeta are carried as raw JSON: the coordinator
// forwards them without looking inside.
type Envelope struct {
	Type Kind `json:"type"`

	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`

	ID          string          `json:"id,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	Address     string          `json:"address,omitempty"`
	ClientMeta  json.RawMessage `json:"clientMeta,omitempty"`

	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Networks []netinfo.Network `json:"networks,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type field uint16

const (
	fieldTo field = 1 << iota
	fieldFrom
	fieldID
	fieldDisplayName
	fieldAddress
	fieldClientMeta
	fieldSDP
	fieldCandidate
	fieldNetworks
	fieldCode
	fieldMessage
)

var fieldNames = []struct {
	f    field
	name string
}{
	{fieldTo, "to"},
	{fieldFrom, "from"},
	{fieldID, "id"},
	{fieldDisplayName, "displayName"},
	{fieldAddress, "address"},
	{fieldClientMeta, "clientMeta"},
	{fieldSDP, "sdp"},
	{fieldCandidate, "candidate"},
	{fieldNetworks, "networks"},
	{fieldCode, "code"},
	{fieldMessage, "message"},
}

func (f field) String() string {
	var b []byte
	for _, n := range fieldNames {
		if f&n.f != 0 {
			if len(b) > 0 {
				b = append(b, ',')
			}
			b = append(b, n.name...)
		}
	}
	return string(b)
}

type rule struct {
	required field
	optional field
}

var clientRules = map[Kind]rule{
	KindRegister:         {optional: fieldDisplayName | fieldClientMeta},
	KindUpdateDeviceName: {optional: fieldDisplayName},
	KindStartDiscovery:   {},
	KindStopDiscovery:    {},
	KindOffer:            {required: fieldTo | fieldSDP},
	KindAnswer:           {required: fieldTo | fieldSDP},
	KindCallRequest:      {required: fieldTo | fieldSDP},
	KindCallAccepted:     {required: fieldTo | fieldSDP},
	KindICECandidate:     {required: fieldTo | fieldCandidate},
	KindCallRejected:     {required: fieldTo},
	KindCallEnded:        {required: fieldTo},
	KindBusy:             {required: fieldTo},
}

var serverRules = map[Kind]rule{
	KindWelcome:        {required: fieldID},
	KindNetworkInfo:    {optional: fieldNetworks},
	KindPeerDiscovered: {required: fieldID, optional: fieldDisplayName | fieldAddress},
	KindPeerUpdated:    {required: fieldID, optional: fieldDisplayName | fieldAddress},
	KindPeerLost:       {required: fieldID},
	KindOffer:          {required: fieldFrom | fieldSDP},
	KindAnswer:         {required: fieldFrom | fieldSDP},
	KindCallRequest:    {required: fieldFrom | fieldSDP},
	KindCallAccepted:   {required: fieldFrom | fieldSDP},
	KindICECandidate:   {required: fieldFrom | fieldCandidate},
	KindCallRejected:   {required: fieldFrom},
	KindCallEnded:      {required: fieldFrom},
	KindBusy:           {required: fieldFrom},
	KindError:          {required: fieldCode | fieldMessage},
}

func (e Envelope) present() field {
	var f field
	if e.To != "" {
		f |= fieldTo
	}
	if e.From != "" {
		f |= fieldFrom
	}
	if e.ID != "" {
		f |= fieldID
	}
	if e.DisplayName != "" {
		f |= fieldDisplayName
	}
	if e.Address != "" {
		f |= fieldAddress
	}
	if e.ClientMeta != nil {
		f |= fieldClientMeta
	}
	if e.SDP != nil {
		f |= fieldSDP
	}
	if e.Candidate != nil {
		f |= fieldCandidate
	}
	if e.Networks != nil {
		f |= fieldNetworks
	}
	if e.Code != "" {
		f |= fieldCode
	}
	if e.Message != "" {
		f |= fieldMessage
	}
	return f
}

func (e Envelope) validate(rules map[Kind]rule) error {
	r, ok := rules[e.Type]
	if !ok {
		return fmt.Errorf("%w: unexpected message type %q", ErrBadMessage, e.Type)
	}
	have := e.present()
	if missing := r.required &^ have; missing != 0 {
		return fmt.Errorf("%w: %s message missing %s", ErrBadMessage, e.Type, missing)
	}
	if extra := have &^ (r.required | r.optional); extra != 0 {
		return fmt.Errorf("%w: %s message has unexpected fields %s", ErrBadMessage, e.Type, extra)
	}
	for _, raw := range []struct {
		name string
		v    json.RawMessage
	}{{"sdp", e.SDP}, {"candidate", e.Candidate}, {"clientMeta", e.ClientMeta}} {
		if raw.v != nil && !isJSONObject(raw.v) {
			return fmt.Errorf("%w: %s must be an object", ErrBadMessage, raw.name)
		}
	}
	return nil
}

// ParseClientMessage decodes a frame sent by a client to the coordinator.
func ParseClientMessage(data []byte) (Envelope, error) {
	return parse(data, clientRules)
}

// ParseServerMessage decodes a frame sent by the coordinator to a client.
func ParseServerMessage(data []byte) (Envelope, error) {
	return parse(data, serverRules)
}

func parse(data []byte, rules map[Kind]rule) (Envelope, error) {
	var e Envelope
	if err := decodeStrictJSON(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if err := e.validate(rules); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Forwarded returns the frame delivered to the target of a relayed message.
func (e Envelope) Forwarded(from string) Envelope {
	return Envelope{
		Type:      e.Type,
		From:      from,
		SDP:       e.SDP,
		Candidate: e.Candidate,
	}
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
