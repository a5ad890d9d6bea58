// Package resource implements the observable resource tree that mirrors a
// device's manageable state. Every node has a dotted canonical path computed
// from its position under the tree root, and two independent observer
// channels: internal observers fire on local mutations, external observers
// fire only when the owner of the tree calls Fire(External), typically after
// the server confirmed a change.
package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/iotdm-go-sdk/pkg/dm"
)

// RootName is the name of the synthetic tree root. It never appears in paths.
const RootName = "root"

var (
	ErrInvalidResource        = errors.New("resource: invalid resource")
	ErrDuplicateName          = errors.New("resource: duplicate child name")
	ErrUnsupportedOnComposite = errors.New("resource: operation unsupported on composite resource")
	ErrInvalidValue           = errors.New("resource: invalid value")
)

// ObserverType selects one of the two observer channels.
type ObserverType int

const (
	Internal ObserverType = iota
	External
)

func (t ObserverType) String() string {
	if t == External {
		return "external"
	}
	return "internal"
}

// ChangeEvent is passed to observers. Value holds the wire form of the node
// after the change.
type ChangeEvent struct {
	Path  string
	Node  *Node
	Value interface{}
}

// Observer is a change callback. It must not mutate the node that fired it.
type Observer func(ChangeEvent)

// Handle identifies a registered observer so it can be removed later.
type Handle uint64

type observerEntry struct {
	handle Handle
	fn     Observer
}

// Node is one named resource in the tree.
type Node struct {
	name string
	kind Kind
	root bool

	mu               sync.RWMutex
	parent           *Node
	path             string
	value            interface{}
	children         map[string]*Node
	order            []string
	responseRequired bool
	lastRC           dm.ResponseCode

	// fireMu serializes value changes with observer delivery so observers
	// of one node see changes in the order they were applied.
	fireMu sync.Mutex

	obsMu      sync.Mutex
	nextHandle Handle
	observers  [2][]observerEntry
}

func newNode(name string, kind Kind, value interface{}) *Node {
	n := &Node{
		name:  name,
		kind:  kind,
		path:  name,
		value: value,
	}
	if kind == KindComposite {
		n.children = make(map[string]*Node)
	}
	return n
}

// NewRoot creates the synthetic root of a resource tree.
func NewRoot() *Node {
	n := newNode(RootName, KindComposite, nil)
	n.root = true
	n.path = ""
	return n
}

// NewComposite creates a node that only aggregates children.
func NewComposite(name string) *Node {
	return newNode(name, KindComposite, nil)
}

// NewString creates a string leaf.
func NewString(name, value string) *Node {
	return newNode(name, KindString, value)
}

// NewNumber creates a numeric leaf.
func NewNumber(name string, value float64) *Node {
	return newNode(name, KindNumber, value)
}

// NewDate creates a date leaf. A zero time leaves the value unset.
func NewDate(name string, value time.Time) *Node {
	n := newNode(name, KindDate, nil)
	if !value.IsZero() {
		n.value = value.UTC()
	}
	return n
}

// NewObject creates a leaf holding an arbitrary JSON value.
func NewObject(name string, value interface{}) *Node {
	n := newNode(name, KindObject, nil)
	if v, err := normalize(KindObject, value); err == nil {
		n.value = v
	}
	return n
}

func (n *Node) Name() string { return n.name }

func (n *Node) Kind() Kind { return n.kind }

// IsRoot reports whether n is the synthetic root.
func (n *Node) IsRoot() bool { return n.root }

// Path returns the canonical dotted path of the node.
func (n *Node) Path() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.path
}

func (n *Node) Parent() *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.parent
}

// Add attaches child under n. A child that already has a parent is detached
// from it first; the canonical paths of child and its subtree are recomputed.
func (n *Node) Add(child *Node) error {
	if child == nil || child.name == "" || strings.Contains(child.name, ".") || child.root {
		return fmt.Errorf("%w: child name must be a non-empty segment", ErrInvalidResource)
	}
	if n.kind != KindComposite {
		return fmt.Errorf("%w: %s resource %q cannot have children", ErrInvalidResource, n.kind, n.name)
	}
	if child == n || child.isAncestorOf(n) {
		return fmt.Errorf("%w: adding %q would create a cycle", ErrInvalidResource, child.name)
	}

	n.mu.RLock()
	existing := n.children[child.name]
	n.mu.RUnlock()
	if existing == child {
		return nil
	}
	if existing != nil {
		return fmt.Errorf("%w: %q already has a child named %q", ErrDuplicateName, n.name, child.name)
	}

	child.Detach()

	n.mu.Lock()
	if _, ok := n.children[child.name]; ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %q already has a child named %q", ErrDuplicateName, n.name, child.name)
	}
	n.children[child.name] = child
	n.order = append(n.order, child.name)
	n.mu.Unlock()

	child.setParent(n)
	return nil
}

// Remove detaches and returns the named child, or nil when there is none.
func (n *Node) Remove(name string) *Node {
	child := n.Child(name)
	if child == nil {
		return nil
	}
	child.Detach()
	return child
}

// Detach removes n from its parent, making it the root of its own subtree.
func (n *Node) Detach() {
	parent := n.Parent()
	if parent == nil {
		return
	}
	parent.mu.Lock()
	if parent.children[n.name] == n {
		delete(parent.children, n.name)
		for i, name := range parent.order {
			if name == n.name {
				parent.order = append(parent.order[:i], parent.order[i+1:]...)
				break
			}
		}
	}
	parent.mu.Unlock()
	n.setParent(nil)
}

func (n *Node) setParent(parent *Node) {
	path := n.name
	if parent != nil && !parent.root {
		path = parent.Path() + "." + n.name
	}

	n.mu.Lock()
	n.parent = parent
	n.path = path
	kids := n.childrenLocked()
	n.mu.Unlock()

	for _, c := range kids {
		c.setParent(n)
	}
}

func (n *Node) isAncestorOf(other *Node) bool {
	for p := other.Parent(); p != nil; p = p.Parent() {
		if p == n {
			return true
		}
	}
	return false
}

// Child returns the direct child with the given name.
func (n *Node) Child(name string) *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.children[name]
}

// Children returns the direct children in insertion order.
func (n *Node) Children() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.childrenLocked()
}

func (n *Node) childrenLocked() []*Node {
	out := make([]*Node, 0, len(n.order))
	for _, name := range n.order {
		out = append(out, n.children[name])
	}
	return out
}

// Find resolves a dotted path relative to n.
func (n *Node) Find(path string) *Node {
	if path == "" {
		return n
	}
	cur := n
	for _, seg := range strings.Split(path, ".") {
		cur = cur.Child(seg)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Walk visits n and every descendant depth first.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children() {
		c.Walk(fn)
	}
}

// Value returns the canonical value: string, float64, time.Time, a decoded
// JSON value, or nil for composites.
func (n *Node) Value() interface{} {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.value
}

// SetValue replaces the value. With fireEvent the internal observers of this
// node are notified; external observers never are.
func (n *Node) SetValue(v interface{}, fireEvent bool) error {
	nv, err := normalize(n.kind, v)
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", n.Path(), err)
	}
	n.apply(nv, fireEvent)
	return nil
}

func (n *Node) apply(v interface{}, fireEvent bool) {
	n.fireMu.Lock()
	defer n.fireMu.Unlock()

	n.mu.Lock()
	n.value = v
	n.mu.Unlock()

	if fireEvent {
		n.deliver(Internal)
	}
}

// Decode validates a wire value for this node without applying it.
func (n *Node) Decode(raw json.RawMessage) (interface{}, error) {
	return decode(n.kind, raw)
}

// Update decodes and applies a wire value. It returns CodeChanged on success
// and CodeBadRequest when the value cannot be decoded or the node is a
// composite.
func (n *Node) Update(raw json.RawMessage, fireEvent bool) (dm.ResponseCode, error) {
	v, err := decode(n.kind, raw)
	if err != nil {
		return dm.CodeBadRequest, fmt.Errorf("failed to update %q: %w", n.Path(), err)
	}
	n.apply(v, fireEvent)
	return dm.CodeChanged, nil
}

// WireValue returns the value in its wire representation. Composites
// aggregate the wire values of their children, skipping unset leaves.
func (n *Node) WireValue() interface{} {
	if n.kind == KindComposite {
		out := make(map[string]interface{})
		for _, c := range n.Children() {
			if v := c.WireValue(); v != nil {
				out[c.name] = v
			}
		}
		return out
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return encode(n.kind, n.value)
}

// AddObserver registers fn on the given channel.
func (n *Node) AddObserver(t ObserverType, fn Observer) Handle {
	n.obsMu.Lock()
	defer n.obsMu.Unlock()
	n.nextHandle++
	n.observers[t] = append(n.observers[t], observerEntry{handle: n.nextHandle, fn: fn})
	return n.nextHandle
}

// RemoveObserver unregisters the observer. It reports whether it was found.
func (n *Node) RemoveObserver(h Handle) bool {
	n.obsMu.Lock()
	defer n.obsMu.Unlock()
	for t := range n.observers {
		for i, e := range n.observers[t] {
			if e.handle == h {
				n.observers[t] = append(n.observers[t][:i:i], n.observers[t][i+1:]...)
				return true
			}
		}
	}
	return false
}

// ClearObservers drops every observer on the given channel.
func (n *Node) ClearObservers(t ObserverType) {
	n.obsMu.Lock()
	n.observers[t] = nil
	n.obsMu.Unlock()
}

// ObserverCount returns the number of observers on the given channel.
func (n *Node) ObserverCount(t ObserverType) int {
	n.obsMu.Lock()
	defer n.obsMu.Unlock()
	return len(n.observers[t])
}

// Fire notifies the observers of one channel with the current value. The
// agent calls Fire(External) once the server acknowledged a change.
func (n *Node) Fire(t ObserverType) {
	n.fireMu.Lock()
	defer n.fireMu.Unlock()
	n.deliver(t)
}

func (n *Node) deliver(t ObserverType) {
	n.obsMu.Lock()
	entries := make([]observerEntry, len(n.observers[t]))
	copy(entries, n.observers[t])
	n.obsMu.Unlock()
	if len(entries) == 0 {
		return
	}

	ev := ChangeEvent{Path: n.Path(), Node: n, Value: n.WireValue()}
	for _, e := range entries {
		e.fn(ev)
	}
}

// ResponseRequired reports whether a change of this node must be acknowledged by the server.
func (n *Node) ResponseRequired() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.responseRequired
}

func (n *Node) SetResponseRequired(required bool) {
	n.mu.Lock()
	n.responseRequired = required
	n.mu.Unlock()
}

// LastResponseCode is the rc of the last server round trip made for this node.
func (n *Node) LastResponseCode() dm.ResponseCode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastRC
}

func (n *Node) SetLastResponseCode(rc dm.ResponseCode) {
	n.mu.Lock()
	n.lastRC = rc
	n.mu.Unlock()
}
