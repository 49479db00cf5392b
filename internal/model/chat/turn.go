package chat

import "time"

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Turn is one completed message in a chat transcript. Turns are values and
// are never modified after they are appended.
type Turn struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserTurn builds a turn spoken by the user.
func UserTurn(text string) Turn {
	return Turn{Speaker: SpeakerUser, Text: text, CreatedAt: time.Now().UTC()}
}

// AssistantTurn builds a turn spoken by the assistant.
func AssistantTurn(text string) Turn {
	return Turn{Speaker: SpeakerAssistant, Text: text, CreatedAt: time.Now().UTC()}
}
