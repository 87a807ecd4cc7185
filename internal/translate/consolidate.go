package translate

import "github.com/claudegate/claudegate/internal/wire"

// Consolidator accumulates a streamed response's content so the assistant
// message for the next continuation round can be rebuilt: text and thinking
// deltas concatenate, tool-call argument fragments collect per id and parse
// exactly once at close.
type Consolidator struct {
	order []string
	calls map[string]*pendingCall
	text  map[string]*textAccum
}

type pendingCall struct {
	name string
	args []byte
}

type textAccum struct {
	kind string // text or thinking
	body []byte
}

// NewConsolidator returns an empty accumulator.
func NewConsolidator() *Consolidator {
	return &Consolidator{
		calls: make(map[string]*pendingCall),
		text:  make(map[string]*textAccum),
	}
}

// StartToolUse registers a tool call; fragments with the same id append to it.
func (c *Consolidator) StartToolUse(id, name string) {
	if _, seen := c.calls[id]; seen {
		return
	}
	c.calls[id] = &pendingCall{name: name}
	c.order = append(c.order, id)
}

// AppendArguments adds a partial-JSON fragment to a registered tool call.
// Fragments for unknown ids open an unnamed call so nothing is lost.
func (c *Consolidator) AppendArguments(id, fragment string) {
	call, seen := c.calls[id]
	if !seen {
		call = &pendingCall{}
		c.calls[id] = call
		c.order = append(c.order, id)
	}
	call.args = append(call.args, fragment...)
}

// StartText opens a text or thinking accumulator under the given key.
func (c *Consolidator) StartText(key, kind string) {
	if _, seen := c.text[key]; seen {
		return
	}
	c.text[key] = &textAccum{kind: kind}
	c.order = append(c.order, key)
}

// AppendText adds a delta to a text/thinking accumulator, opening a text one
// when the key is new.
func (c *Consolidator) AppendText(key, delta string) {
	acc, seen := c.text[key]
	if !seen {
		acc = &textAccum{kind: wire.BlockText}
		c.text[key] = acc
		c.order = append(c.order, key)
	}
	acc.body = append(acc.body, delta...)
}

// Blocks materializes the accumulated content in first-seen order. Tool
// arguments get their single parse here, with the repair fallback.
func (c *Consolidator) Blocks() []wire.ContentBlock {
	var blocks []wire.ContentBlock
	for _, key := range c.order {
		if call, ok := c.calls[key]; ok {
			blocks = append(blocks, wire.ToolUseBlock(key, call.name, ParseToolInput(string(call.args))))
			continue
		}
		acc := c.text[key]
		if len(acc.body) == 0 {
			continue
		}
		if acc.kind == wire.BlockThinking {
			blocks = append(blocks, wire.ContentBlock{Type: wire.BlockThinking, Thinking: string(acc.body)})
		} else {
			blocks = append(blocks, wire.TextBlock(string(acc.body)))
		}
	}
	return blocks
}

// ToolUses returns just the consolidated tool_use blocks, in first-seen order.
func (c *Consolidator) ToolUses() []wire.ContentBlock {
	var uses []wire.ContentBlock
	for _, key := range c.order {
		if call, ok := c.calls[key]; ok {
			uses = append(uses, wire.ToolUseBlock(key, call.name, ParseToolInput(string(call.args))))
		}
	}
	return uses
}

// Empty reports whether nothing has been accumulated.
func (c *Consolidator) Empty() bool {
	return len(c.order) == 0
}
