package chat

import "github.com/zhouzirui/dify-chat/backend/internal/model/chat"

// Transcript is an append-only sequence of turns. It is not safe for
// concurrent use on its own; Session guards it.
type Transcript struct {
	turns []chat.Turn
}

func (t *Transcript) append(turn chat.Turn) {
	t.turns = append(t.turns, turn)
}

func (t *Transcript) clear() {
	t.turns = nil
}

// Len returns the number of turns.
func (t *Transcript) Len() int {
	return len(t.turns)
}

// Turns returns a copy of the turns in insertion order.
func (t *Transcript) Turns() []chat.Turn {
	copied := make([]chat.Turn, len(t.turns))
	copy(copied, t.turns)
	return copied
}
