package cobra

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/odin-labs/cobra/pkg/wssession"
)

// fakeSession is an in-process double for wssession.Session, driven
// directly by tests instead of a real socket.
type fakeSession struct {
	mu         sync.Mutex
	state      wssession.ReadyState
	onEvent    func(wssession.Event)
	sent       [][]byte
	acceptSend bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{state: wssession.Closed, acceptSend: true}
}

func (f *fakeSession) Start() {}

func (f *fakeSession) Stop(ctx context.Context) error {
	f.setState(wssession.Closed)
	return nil
}

func (f *fakeSession) Send(payload []byte, binary bool) wssession.SendInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.acceptSend {
		return wssession.SendInfo{Accepted: false}
	}
	cp := append([]byte(nil), payload...)
	f.sent = append(f.sent, cp)
	return wssession.SendInfo{Accepted: true, WireSize: len(payload)}
}

func (f *fakeSession) Ping(payload []byte) wssession.SendInfo {
	return wssession.SendInfo{Accepted: true, WireSize: len(payload)}
}

func (f *fakeSession) SetOnEvent(cb func(wssession.Event)) {
	f.mu.Lock()
	f.onEvent = cb
	f.mu.Unlock()
}

func (f *fakeSession) ReadyState() wssession.ReadyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) setState(s wssession.ReadyState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeSession) emit(evt wssession.Event) {
	f.mu.Lock()
	cb := f.onEvent
	f.mu.Unlock()
	if cb != nil {
		cb(evt)
	}
}

// open simulates the Session reaching Open and delivers the Open event.
func (f *fakeSession) open() {
	f.setState(wssession.Open)
	f.emit(wssession.Event{Kind: wssession.EventOpen})
}

// closed simulates an unexpected close.
func (f *fakeSession) closed() {
	f.setState(wssession.Closed)
	f.emit(wssession.Event{Kind: wssession.EventClosed})
}

// message simulates a server text frame arriving.
func (f *fakeSession) message(raw string) {
	f.emit(wssession.Event{Kind: wssession.EventMessage, Payload: []byte(raw)})
}

func (f *fakeSession) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSession) sentAt(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

func (f *fakeSession) sentActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, raw := range f.sent {
		out = append(out, actionOf(raw))
	}
	return out
}

func (f *fakeSession) sentIDs() []MsgID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]MsgID, 0, len(f.sent))
	for _, raw := range f.sent {
		out = append(out, idOf(raw))
	}
	return out
}

func actionOf(raw []byte) string {
	var v struct {
		Action string `json:"action"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.Action
}

func idOf(raw []byte) MsgID {
	var v struct {
		ID MsgID `json:"id"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.ID
}
