package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// outcome is one canned reply.
type outcome struct {
	resp *Response
	err  error
}

// rule serves an outcome to every prompt containing match.
type rule struct {
	match string
	out   outcome
}

// ScriptedClient is the Client used by tests and dry runs. Replies come from
// three layers, first hit wins: a FIFO queue of one-shot outcomes, then
// substring-matched rules, then the default response. Every prompt is
// recorded for assertions.
type ScriptedClient struct {
	mu       sync.Mutex
	queued   []outcome
	rules    []rule
	fallback *Response
	calls    []string
}

var _ Client = (*ScriptedClient)(nil)

// NewScriptedClient returns a client whose default reply is an empty JSON
// array, i.e. "the model found nothing".
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{fallback: &Response{Body: "[]"}}
}

// Queue appends a one-shot outcome consumed in FIFO order before any rule is
// consulted. Queue(nil, err) scripts a failure.
func (c *ScriptedClient) Queue(resp *Response, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued = append(c.queued, outcome{resp: resp, err: err})
}

// Stub serves resp or err to every prompt containing match. Rules are
// consulted in registration order.
func (c *ScriptedClient) Stub(match string, resp *Response, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, rule{match: match, out: outcome{resp: resp, err: err}})
}

// SetDefault replaces the fallback response. A nil fallback makes unscripted
// prompts fail loudly, which is what strict tests want.
func (c *ScriptedClient) SetDefault(resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = resp
}

// Call serves the next scripted reply.
func (c *ScriptedClient) Call(ctx context.Context, prompt string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, prompt)

	if len(c.queued) > 0 {
		out := c.queued[0]
		c.queued = c.queued[1:]
		return out.reply()
	}

	for _, r := range c.rules {
		if r.match != "" && strings.Contains(prompt, r.match) {
			return r.out.reply()
		}
	}

	if c.fallback != nil {
		r := *c.fallback
		return &r, nil
	}
	return nil, fmt.Errorf("no scripted response for prompt (%d bytes)", len(prompt))
}

// reply hands out a copy so callers mutating the response cannot corrupt the
// script.
func (o outcome) reply() (*Response, error) {
	if o.err != nil {
		return nil, o.err
	}
	if o.resp == nil {
		return nil, fmt.Errorf("scripted outcome has neither response nor error")
	}
	r := *o.resp
	return &r, nil
}

// Calls returns every prompt received so far.
func (c *ScriptedClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns how many calls the client has served.
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
