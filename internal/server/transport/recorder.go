package transport

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

type SentCommand struct {
	Address string
	Command Command
}

type SentEvent struct {
	Session string
	Event   ClientEvent
}

// Recorder is a Sender keeping everything sent through it. Sends to addresses in Unreachable fail.
type Recorder struct {
	mu          sync.Mutex
	commands    []SentCommand
	events      []SentEvent
	Unreachable map[string]bool
}

func NewRecorder() *Recorder {
	return &Recorder{Unreachable: make(map[string]bool)}
}

func (r *Recorder) SendCommand(address string, cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Unreachable[address] {
		return errors.Errorf("worker %s is unreachable", address)
	}
	r.commands = append(r.commands, SentCommand{Address: address, Command: cmd})
	return nil
}

func (r *Recorder) SendClientEvent(session string, ev ClientEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, SentEvent{Session: session, Event: ev})
	return nil
}

// Commands returns the recorded commands and forgets them.
func (r *Recorder) Commands() []SentCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	commands := r.commands
	r.commands = nil
	return commands
}

// Events returns the recorded client events and forgets them.
func (r *Recorder) Events() []SentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events
	r.events = nil
	return events
}

// CommandsOfType filters commands by type, keeping their order.
func CommandsOfType(commands []SentCommand, t CommandType) []SentCommand {
	var filtered []SentCommand
	for _, c := range commands {
		if c.Command.Type == t {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// EventsOfType filters events by type, keeping their order.
func EventsOfType(events []SentEvent, types ...EventType) []SentEvent {
	var filtered []SentEvent
	for _, e := range events {
		if slices.Contains(types, e.Event.Type) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
