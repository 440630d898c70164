package core

import "context"

// ChatService talks to the completion API
type ChatService interface {
	GetResponse(ctx context.Context, userId int64, prompt string) (string, error)
	// ImagePrompt expands a short description into a detailed image prompt
	ImagePrompt(ctx context.Context, userId int64, description string) (string, error)
}

// ImageRelay forwards image prompts to the generation service
type ImageRelay interface {
	Send(ctx context.Context, userId int64, prompt string) error
}

// Messenger delivers messages to a conversation
type Messenger interface {
	SendText(chatId int64, text string) error
	SendTyping(chatId int64) error
}
