// Package cobra implements the RTM pub/sub client protocol: PDU
// encoding, the bounded retry queue, and the connection state machine
// that drives a wssession.Session through handshake, authenticate,
// subscribe and publish.
package cobra

import (
	"encoding/json"
	"fmt"
)

// MsgID is the connection-scoped, strictly monotonic PDU id. 0 is
// reserved and never returned by a public operation.
type MsgID uint64

// InvalidMsgID is the sentinel value for "no id was allocated".
const InvalidMsgID MsgID = 0

// PublishMode controls whether publish() attempts an immediate send
// or always defers to the retry queue.
type PublishMode int

const (
	// PublishImmediate sends right away and only falls back to the
	// retry queue on backpressure or while unauthenticated.
	PublishImmediate PublishMode = iota
	// PublishBatch never sends directly from Publish; the queue drains
	// only through FlushQueue/PublishNext, which the Connection also
	// runs itself on every auth/authenticate/ok.
	PublishBatch
)

// pdu is the wire shape shared by every outbound and inbound message:
// a top-level action, an optional body, and an optional numeric id.
type pdu struct {
	Action string          `json:"action"`
	Body   json.RawMessage `json:"body,omitempty"`
	ID     *MsgID          `json:"id,omitempty"`
}

func encode(action string, body any, id MsgID) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("cobra: encode %s body: %w", action, err)
	}
	p := pdu{Action: action, Body: raw, ID: &id}
	return json.Marshal(p)
}

// handshakeBody is the body of an outbound auth/handshake PDU.
type handshakeBody struct {
	Method string             `json:"method"`
	Data   handshakeBodyInner `json:"data"`
}

type handshakeBodyInner struct {
	Role string `json:"role"`
}

func buildHandshake(role string, id MsgID) ([]byte, error) {
	return encode("auth/handshake", handshakeBody{
		Method: "role_secret",
		Data:   handshakeBodyInner{Role: role},
	}, id)
}

// authenticateBody is the body of an outbound auth/authenticate PDU.
type authenticateBody struct {
	Method      string                 `json:"method"`
	Credentials authenticateCredential `json:"credentials"`
}

type authenticateCredential struct {
	Hash string `json:"hash"`
}

func buildAuthenticate(hash string, id MsgID) ([]byte, error) {
	return encode("auth/authenticate", authenticateBody{
		Method:      "role_secret",
		Credentials: authenticateCredential{Hash: hash},
	}, id)
}

// subscribeBody is the body of an outbound rtm/subscribe PDU.
type subscribeBody struct {
	Channel   string `json:"channel"`
	BatchSize int    `json:"batch_size"`
	Filter    string `json:"filter,omitempty"`
	Position  string `json:"position,omitempty"`
}

func buildSubscribe(channel, filter, position string, batchSize int, id MsgID) ([]byte, error) {
	return encode("rtm/subscribe", subscribeBody{
		Channel:   channel,
		BatchSize: batchSize,
		Filter:    filter,
		Position:  position,
	}, id)
}

// unsubscribeBody is the body of an outbound rtm/unsubscribe PDU.
type unsubscribeBody struct {
	SubscriptionID string `json:"subscription_id"`
}

func buildUnsubscribe(subscriptionID string, id MsgID) ([]byte, error) {
	return encode("rtm/unsubscribe", unsubscribeBody{SubscriptionID: subscriptionID}, id)
}

// publishBody is the body of an outbound rtm/publish PDU.
type publishBody struct {
	Channels json.RawMessage `json:"channels"`
	Message  json.RawMessage `json:"message"`
}

func buildPublish(channels []string, message any, id MsgID) ([]byte, error) {
	channelsRaw, err := json.Marshal(channels)
	if err != nil {
		return nil, fmt.Errorf("cobra: encode publish channels: %w", err)
	}
	messageRaw, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("cobra: encode publish message: %w", err)
	}
	return encode("rtm/publish", publishBody{Channels: channelsRaw, Message: messageRaw}, id)
}

// inbound is the parsed shape of any server-to-client PDU. Only the
// fields relevant to the action populate; others stay zero.
type inbound struct {
	Action string `json:"action"`
	Body   inboundBody
	ID     *MsgID `json:"id"`
	raw    []byte
}

type inboundBody struct {
	Data           inboundData       `json:"data"`
	SubscriptionID string            `json:"subscription_id"`
	Messages       []json.RawMessage `json:"messages"`
	Position       string            `json:"position"`
}

type inboundData struct {
	Nonce   string `json:"nonce"`
	Version string `json:"version"`
}

// parseInbound decodes a raw server message into its action and body.
// A JSON syntax error or a missing "action" field is reported via err;
// callers surface that as a ProtocolParse error event, per the codec's
// "never terminate the connection on unknown input" contract.
func parseInbound(raw []byte) (inbound, error) {
	var wire struct {
		Action string          `json:"action"`
		Body   json.RawMessage `json:"body"`
		ID     *MsgID          `json:"id"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return inbound{}, fmt.Errorf("cobra: invalid json: %w", err)
	}
	if wire.Action == "" {
		return inbound{}, fmt.Errorf("cobra: missing action")
	}

	msg := inbound{Action: wire.Action, ID: wire.ID, raw: raw}
	if len(wire.Body) > 0 {
		if err := json.Unmarshal(wire.Body, &msg.Body); err != nil {
			return inbound{}, fmt.Errorf("cobra: invalid body: %w", err)
		}
	}
	return msg, nil
}
