package directory

import (
	"context"
	"time"

	"github.com/sonroyaalmerol/ldap-gateway/internal/config"
)

// Reply is what a single operation returns. Safe strategies produce a
// DirectReply; the others produce a StateReply and leave the result and
// entries on the connection.
type Reply interface {
	isReply()
}

type DirectReply struct {
	Status  bool
	Result  Result
	Entries []RawEntry
}

type StateReply struct {
	Status bool
}

func (DirectReply) isReply() {}
func (StateReply) isReply()  {}

// RawEntry is an entry as the connection delivers it: either an
// ObjectEntry or a map carrying "dn" and "attributes" keys.
type RawEntry = any

// ObjectEntry is the accessor style of entry.
type ObjectEntry interface {
	EntryDN() string
	EntryAttributesAsMap() map[string][]string
}

type objectEntry struct {
	dn    string
	attrs map[string][]string
}

func (e *objectEntry) EntryDN() string { return e.dn }

func (e *objectEntry) EntryAttributesAsMap() map[string][]string { return e.attrs }

func mapEntry(dn string, attrs map[string][]string) map[string]any {
	return map[string]any{"dn": dn, "attributes": attrs}
}

type ModKind int

const (
	ModAdd ModKind = iota
	ModDelete
	ModReplace
	ModIncrement
)

func (k ModKind) String() string {
	switch k {
	case ModAdd:
		return "add"
	case ModDelete:
		return "delete"
	case ModReplace:
		return "replace"
	case ModIncrement:
		return "increment"
	}
	return "unknown"
}

// Change is one modification of one attribute.
type Change struct {
	Attribute string
	Kind      ModKind
	Values    []string
}

// Control is a request control in its textual form.
type Control struct {
	Type        string
	Criticality bool
	Value       string
}

// Scope and deref values mirror the protocol enumerations.
const (
	ScopeBase     = 0
	ScopeLevel    = 1
	ScopeSubtree  = 2
	DerefNever    = 0
	DerefSearch   = 1
	DerefFinding  = 2
	DerefAlways   = 3
	AllUserAttrs  = "*"
	AllOperAttrs  = "+"
	NoAttrsMarker = "1.1"
)

type SearchRequest struct {
	Base             string
	Filter           string
	Scope            int
	Deref            int
	Attributes       []string
	SizeLimit        int
	TimeLimit        int
	TypesOnly        bool
	Controls         []Control
	PagedSize        int
	PagedCriticality bool
	PagedCookie      []byte
}

// Usage counts what a connection did over its lifetime.
type Usage struct {
	InitialConnectionStart time.Time `json:"initial_connection_start_time"`
	OpenSockets            int       `json:"open_sockets"`
	ClosedSockets          int       `json:"closed_sockets"`
	WrappedSockets         int       `json:"wrapped_sockets"`
	BindOperations         int       `json:"bind_operations"`
	AddOperations          int       `json:"add_operations"`
	ModifyOperations       int       `json:"modify_operations"`
	SearchOperations       int       `json:"search_operations"`
	DeleteOperations       int       `json:"delete_operations"`
	UnbindOperations       int       `json:"unbind_operations"`
	RestartableFailures    int       `json:"restartable_failures"`
	RestartableSuccesses   int       `json:"restartable_successes"`
	ServersFromPool        int       `json:"servers_from_pool"`
}

func newUsage() Usage {
	return Usage{InitialConnectionStart: time.Now().UTC()}
}

// Conn is one logical connection owned by a single call.
type Conn interface {
	Server() string
	Strategy() config.Strategy
	Closed() bool
	Open(ctx context.Context) error
	Bind(ctx context.Context) (bool, error)
	Add(ctx context.Context, dn string, objectClasses []string, opts ...AddOption) (Reply, error)
	Modify(ctx context.Context, dn string, changes []Change, controls []Control) (Reply, error)
	Search(ctx context.Context, req SearchRequest) (Reply, error)
	Delete(ctx context.Context, dn string, controls []Control) (Reply, error)
	Unbind() error
	// Result and Entries expose the state left by the last operation.
	Result() Result
	Entries() []RawEntry
	Usage() Usage
}

type addOptions struct {
	attributes map[string][]string
	controls   []Control
}

// AddOption supplies an optional argument of an add. Leaving one out is
// different from passing it empty.
type AddOption func(*addOptions)

func WithAttributes(attrs map[string][]string) AddOption {
	return func(o *addOptions) { o.attributes = attrs }
}

func WithControls(controls []Control) AddOption {
	return func(o *addOptions) { o.controls = controls }
}

func collectAddOptions(opts []AddOption) addOptions {
	var o addOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// replyFor shapes the outcome of one operation for the connection's
// strategy.
func replyFor(strategy config.Strategy, r Result, entries []RawEntry) Reply {
	if strategy.Safe() {
		return DirectReply{Status: r.Success(), Result: r, Entries: entries}
	}
	return StateReply{Status: r.Success()}
}
