package agent

import (
	"fmt"
	"sync"

	"github.com/iotdm-go-sdk/pkg/dm"
)

// Correlation slots. A slot admits one outstanding request at a time.
const (
	slotLease      = "lease"
	slotLocation   = "location"
	slotErrorCodes = "errorCodes"
	slotLog        = "log"
)

type waiter struct {
	reqID string
	slot  string
	ch    chan *dm.Response
}

// pending matches server responses to the requests waiting for them.
type pending struct {
	mu     sync.Mutex
	byReq  map[string]*waiter
	bySlot map[string]*waiter
}

func newPending() *pending {
	return &pending{
		byReq:  make(map[string]*waiter),
		bySlot: make(map[string]*waiter),
	}
}

// add registers a waiter for reqID. An empty slot never conflicts.
func (p *pending) add(slot, reqID string) (*waiter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot != "" {
		if _, busy := p.bySlot[slot]; busy {
			return nil, fmt.Errorf("%w: %s", dm.ErrRequestPending, slot)
		}
	}
	w := &waiter{reqID: reqID, slot: slot, ch: make(chan *dm.Response, 1)}
	p.byReq[reqID] = w
	if slot != "" {
		p.bySlot[slot] = w
	}
	return w, nil
}

// resolve hands resp to its waiter. It reports false for unknown reqIds.
func (p *pending) resolve(resp *dm.Response) bool {
	p.mu.Lock()
	w, ok := p.byReq[resp.ReqID]
	if ok {
		p.drop(w)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	w.ch <- resp
	return true
}

func (p *pending) remove(w *waiter) {
	p.mu.Lock()
	p.drop(w)
	p.mu.Unlock()
}

func (p *pending) drop(w *waiter) {
	if p.byReq[w.reqID] == w {
		delete(p.byReq, w.reqID)
	}
	if w.slot != "" && p.bySlot[w.slot] == w {
		delete(p.bySlot, w.slot)
	}
}

func (p *pending) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byReq)
}
