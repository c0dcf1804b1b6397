package natsbus

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
)

// Subjects used by the coordinator, relative to a configurable prefix:
//
//	<prefix>.register            worker registrations
//	<prefix>.responses           worker responses
//	<prefix>.heartbeat           worker heartbeats
//	<prefix>.disconnect          workers leaving
//	<prefix>.worker.<address>    commands for one worker
//	<prefix>.data.<address>      data pushed to one worker by its peers
//	<prefix>.fetch.<address>     requests for data held by one worker
//	<prefix>.submit              plan submissions
//	<prefix>.release             result releases
//	<prefix>.trash               trash requests
//	<prefix>.client.<session>    events for one client session
type subjects struct {
	prefix string
}

func (s subjects) register() string { return s.prefix + ".register" }
func (s subjects) responses() string { return s.prefix + ".responses" }
func (s subjects) heartbeat() string { return s.prefix + ".heartbeat" }
func (s subjects) disconnect() string { return s.prefix + ".disconnect" }
func (s subjects) submit() string { return s.prefix + ".submit" }
func (s subjects) release() string { return s.prefix + ".release" }
func (s subjects) trash() string { return s.prefix + ".trash" }

func (s subjects) worker(address string) string {
	return s.prefix + ".worker." + token(address)
}

func (s subjects) data(address string) string {
	return s.prefix + ".data." + token(address)
}

func (s subjects) fetch(address string) string {
	return s.prefix + ".fetch." + token(address)
}

func (s subjects) client(session string) string {
	return s.prefix + ".client." + token(session)
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", ":", "_", "/", "_")

// token makes s usable as a single subject token.
func token(s string) string {
	return tokenReplacer.Replace(s)
}

// dataMessage carries a data object between workers.
type dataMessage struct {
	Node graph.NodeId `json:"node"`
	Data []byte       `json:"data"`
}

type fetchRequest struct {
	Node graph.NodeId `json:"node"`
}

type fetchReply struct {
	Data  []byte `json:"data,omitempty"`
	Found bool   `json:"found"`
}

// addressMessage is the payload of heartbeats, disconnects and trash requests.
type addressMessage struct {
	Address string `json:"address"`
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	return data, errors.WithStack(err)
}

func decode(data []byte, v any) error {
	return errors.WithStack(json.Unmarshal(data, v))
}
