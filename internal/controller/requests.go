package controller

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// OperationKind is the kind of one modify operation.
type OperationKind int

const (
	ModifyAdd OperationKind = iota
	ModifyDelete
	ModifyReplace
	ModifyIncrement
)

var operationKindNames = map[OperationKind]string{
	ModifyAdd:       "MODIFY_ADD",
	ModifyDelete:    "MODIFY_DELETE",
	ModifyReplace:   "MODIFY_REPLACE",
	ModifyIncrement: "MODIFY_INCREMENT",
}

func (k OperationKind) String() string {
	if s, ok := operationKindNames[k]; ok {
		return s
	}
	return "OperationKind(" + strconv.Itoa(int(k)) + ")"
}

func (k OperationKind) MarshalText() ([]byte, error) {
	if _, ok := operationKindNames[k]; !ok {
		return nil, fmt.Errorf("invalid operation kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *OperationKind) UnmarshalText(b []byte) error {
	v, err := parseEnum("operation", string(b), operationKindNames)
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// SearchScope defaults to SUBTREE.
type SearchScope int

const (
	ScopeSubtree SearchScope = iota
	ScopeBase
	ScopeLevel
)

var searchScopeNames = map[SearchScope]string{
	ScopeSubtree: "SUBTREE",
	ScopeBase:    "BASE",
	ScopeLevel:   "LEVEL",
}

func (s SearchScope) String() string {
	if n, ok := searchScopeNames[s]; ok {
		return n
	}
	return "SearchScope(" + strconv.Itoa(int(s)) + ")"
}

func (s SearchScope) MarshalText() ([]byte, error) {
	if _, ok := searchScopeNames[s]; !ok {
		return nil, fmt.Errorf("invalid search scope %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *SearchScope) UnmarshalText(b []byte) error {
	v, err := parseEnum("search scope", string(b), searchScopeNames)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// DerefPolicy defaults to DEREF_ALWAYS.
type DerefPolicy int

const (
	DerefAlways DerefPolicy = iota
	DerefNever
	DerefSearch
	DerefBase
)

var derefPolicyNames = map[DerefPolicy]string{
	DerefAlways: "DEREF_ALWAYS",
	DerefNever:  "DEREF_NEVER",
	DerefSearch: "DEREF_SEARCH",
	DerefBase:   "DEREF_BASE",
}

func (d DerefPolicy) String() string {
	if n, ok := derefPolicyNames[d]; ok {
		return n
	}
	return "DerefPolicy(" + strconv.Itoa(int(d)) + ")"
}

func (d DerefPolicy) MarshalText() ([]byte, error) {
	if _, ok := derefPolicyNames[d]; !ok {
		return nil, fmt.Errorf("invalid dereference policy %d", int(d))
	}
	return []byte(d.String()), nil
}

func (d *DerefPolicy) UnmarshalText(b []byte) error {
	v, err := parseEnum("dereference policy", string(b), derefPolicyNames)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func parseEnum[T comparable](what, s string, names map[T]string) (T, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for k, n := range names {
		if n == s {
			return k, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("unknown %s %q", what, s)
}

// Values holds the values of one attribute. JSON accepts a single scalar
// or a list of scalars.
type Values []string

func (v *Values) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*v = nil
		return nil
	}
	if b[0] != '[' {
		s, err := scalarString(b)
		if err != nil {
			return err
		}
		*v = Values{s}
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Values, 0, len(raw))
	for _, r := range raw {
		s, err := scalarString(r)
		if err != nil {
			return err
		}
		out = append(out, s)
	}
	*v = out
	return nil
}

func scalarString(b json.RawMessage) (string, error) {
	var x any
	if err := json.Unmarshal(b, &x); err != nil {
		return "", err
	}
	switch t := x.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case nil:
		return "", nil
	}
	return "", fmt.Errorf("attribute value must be a scalar, got %s", string(b))
}

// ObjectClasses accepts a single class, a comma separated list or a JSON
// list.
type ObjectClasses []string

func (o *ObjectClasses) UnmarshalJSON(b []byte) error {
	var v Values
	if err := v.UnmarshalJSON(b); err != nil {
		return err
	}
	out := make(ObjectClasses, 0, len(v))
	for _, s := range v {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	*o = out
	return nil
}

type Control struct {
	Type        string `json:"type" validate:"required"`
	Criticality bool   `json:"criticality"`
	Value       string `json:"value,omitempty"`
}

type AddEntryRequest struct {
	DN          string            `json:"dn" validate:"required"`
	ObjectClass ObjectClasses     `json:"object_class" validate:"required,min=1"`
	Attributes  map[string]Values `json:"attributes,omitempty"`
	Controls    []Control         `json:"controls,omitempty" validate:"omitempty,dive"`
}

// Operation is one {kind: values} item of a modify request.
type Operation struct {
	Kind   OperationKind
	Values Values
}

// Operations is the ordered operation list of one attribute. Each JSON
// item is an object whose keys are operation kinds; several keys in one
// object are kept in document order.
type Operations []Operation

func (o *Operations) UnmarshalJSON(b []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return fmt.Errorf("operations must be a list: %w", err)
	}
	var out Operations
	for _, item := range items {
		ops, err := decodeOperationObject(item)
		if err != nil {
			return err
		}
		out = append(out, ops...)
	}
	*o = out
	return nil
}

func decodeOperationObject(b json.RawMessage) (Operations, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("operation must be an object, got %s", string(b))
	}
	var out Operations
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		var kind OperationKind
		if err := kind.UnmarshalText([]byte(tok.(string))); err != nil {
			return nil, err
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		var vals Values
		if err := vals.UnmarshalJSON(raw); err != nil {
			return nil, err
		}
		out = append(out, Operation{Kind: kind, Values: vals})
	}
	return out, nil
}

func (o Operations) MarshalJSON() ([]byte, error) {
	items := make([]map[string]Values, 0, len(o))
	for _, op := range o {
		name, err := op.Kind.MarshalText()
		if err != nil {
			return nil, err
		}
		items = append(items, map[string]Values{string(name): op.Values})
	}
	return json.Marshal(items)
}

type ModifyEntryRequest struct {
	DN       string                `json:"dn" validate:"required"`
	Changes  map[string]Operations `json:"changes" validate:"required,min=1"`
	Controls []Control             `json:"controls,omitempty" validate:"omitempty,dive"`
}

// Attribute selector sentinels accepted in SearchRequest.Attributes.
const (
	AllAttributes            = "ALL_ATTRIBUTES"
	AllOperationalAttributes = "ALL_OPERATIONAL_ATTRIBUTES"
	AllOperationAttributes   = "ALL_OPERATION_ATTRIBUTES"
)

type SearchRequest struct {
	SearchBase               string      `json:"search_base"`
	SearchFilter             string      `json:"search_filter" validate:"required"`
	SearchScope              SearchScope `json:"search_scope"`
	DereferenceAliases       DerefPolicy `json:"dereference_aliases"`
	Attributes               Values      `json:"attributes,omitempty"`
	SizeLimit                int         `json:"size_limit,omitempty" validate:"gte=0"`
	TimeLimit                int         `json:"time_limit,omitempty" validate:"gte=0"`
	TypesOnly                bool        `json:"types_only,omitempty"`
	GetOperationalAttributes bool        `json:"get_operational_attributes,omitempty"`
	Controls                 []Control   `json:"controls,omitempty" validate:"omitempty,dive"`
	PagedSize                int         `json:"paged_size,omitempty" validate:"gte=0"`
	PagedCriticality         bool        `json:"paged_criticality,omitempty"`
	PagedCookie              []byte      `json:"paged_cookie,omitempty"`
}

// Entry is one normalized search result. Fields the directory did not
// deliver stay null.
type Entry struct {
	DN         *string             `json:"dn"`
	Attributes map[string][]string `json:"attributes"`
}

type SearchResults struct {
	Data     []Entry `json:"data"`
	Criteria string  `json:"criteria"`
	Cookie   []byte  `json:"cookie,omitempty"`
}
