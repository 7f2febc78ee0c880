// Package ingest translates Telegram webhook updates into engine calls.
package ingest

// Update is the subset of a Telegram Bot API update the pipeline consumes.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message is an incoming chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// CallbackQuery is a button press on a previously sent reminder.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *User    `json:"from,omitempty"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data"`
}

// User is the Telegram sender.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
}

// Chat identifies the conversation.
type Chat struct {
	ID int64 `json:"id"`
}
