package controller

import (
	"sync"

	model "github.com/zhouzirui/dify-chat/backend/internal/model/chat"
)

// EventType names a rendering step sent to clients.
type EventType string

const (
	EventMessage EventType = "message"
	EventPartial EventType = "partial"
	EventError   EventType = "error"
	EventEnd     EventType = "end"
)

// Event is the wire form of one View call.
type Event struct {
	Type  EventType   `json:"type"`
	Turn  *model.Turn `json:"turn,omitempty"`
	Text  string      `json:"text,omitempty"`
	Error string      `json:"error,omitempty"`
}

func messageEvent(turn model.Turn) Event { return Event{Type: EventMessage, Turn: &turn} }
func partialEvent(text string) Event     { return Event{Type: EventPartial, Text: text} }
func errorEvent(message string) Event    { return Event{Type: EventError, Error: message} }
func endEvent() Event                    { return Event{Type: EventEnd} }

// EventSink adapts a function that delivers events into a View.
type EventSink func(Event) error

func (f EventSink) RenderMessage(turn model.Turn) error { return f(messageEvent(turn)) }
func (f EventSink) RenderPartial(text string) error     { return f(partialEvent(text)) }
func (f EventSink) RenderError(message string) error    { return f(errorEvent(message)) }
func (f EventSink) RenderDone() error                   { return f(endEvent()) }

// Recorder is a View that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) record(ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) RenderMessage(turn model.Turn) error { return r.record(messageEvent(turn)) }
func (r *Recorder) RenderPartial(text string) error     { return r.record(partialEvent(text)) }
func (r *Recorder) RenderError(message string) error    { return r.record(errorEvent(message)) }
func (r *Recorder) RenderDone() error                   { return r.record(endEvent()) }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Turns returns the turns carried by message events.
func (r *Recorder) Turns() []model.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	var turns []model.Turn
	for _, ev := range r.events {
		if ev.Type == EventMessage && ev.Turn != nil {
			turns = append(turns, *ev.Turn)
		}
	}
	return turns
}
