package models

// Author identifies who wrote a chat message
type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
)

// Message is one entry of the chat transcript
type Message struct {
	ID       int    `json:"id"`
	Author   Author `json:"author"`
	Text     string `json:"text"`
	Complete bool   `json:"complete"`
}

// ChatMessage is the wire shape the chat endpoint expects for each transcript entry
type ChatMessage struct {
	ID      int    `json:"id"`
	Message string `json:"message"`
	User    bool   `json:"user"`
}

// ToWire converts a transcript message into its request representation
func (m Message) ToWire() ChatMessage {
	return ChatMessage{
		ID:      m.ID,
		Message: m.Text,
		User:    m.Author == AuthorUser,
	}
}
