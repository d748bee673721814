package store

import (
	"context"
	"strings"
	"time"

	"github.com/zulandar/switchyard/internal/models"
)

// ChatView is a chat together with its conversations.
type ChatView struct {
	ID            uint               `json:"chat_id"`
	Title         string             `json:"title"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Conversations []ConversationView `json:"conversations"`
}

// CreateChat creates a chat. An empty title gets the placeholder.
func (s *Store) CreateChat(ctx context.Context, title string) (*models.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = s.placeholderTitle
	}
	chat := models.Chat{Title: title}
	if err := s.db.WithContext(ctx).Create(&chat).Error; err != nil {
		return nil, wrap("create chat", err)
	}
	return &chat, nil
}

// GetChat returns one chat with its conversations.
func (s *Store) GetChat(ctx context.Context, id uint) (*ChatView, error) {
	var chat models.Chat
	if err := s.db.WithContext(ctx).First(&chat, id).Error; err != nil {
		return nil, wrap("get chat", err)
	}
	convs, err := s.ListConversations(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ChatView{
		ID:            chat.ID,
		Title:         chat.Title,
		CreatedAt:     chat.CreatedAt,
		UpdatedAt:     chat.UpdatedAt,
		Conversations: convs,
	}, nil
}

// ListChats returns every chat, newest first, each with its conversations.
func (s *Store) ListChats(ctx context.Context) ([]ChatView, error) {
	var chats []models.Chat
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&chats).Error; err != nil {
		return nil, wrap("list chats", err)
	}

	var convs []ConversationView
	if err := s.conversationQuery(ctx).Order("conversations.id").Scan(&convs).Error; err != nil {
		return nil, wrap("list chats", err)
	}
	byChat := make(map[uint][]ConversationView)
	for _, c := range convs {
		byChat[c.ChatID] = append(byChat[c.ChatID], c)
	}

	views := make([]ChatView, 0, len(chats))
	for _, c := range chats {
		cv := byChat[c.ID]
		if cv == nil {
			cv = []ConversationView{}
		}
		views = append(views, ChatView{
			ID:            c.ID,
			Title:         c.Title,
			CreatedAt:     c.CreatedAt,
			UpdatedAt:     c.UpdatedAt,
			Conversations: cv,
		})
	}
	return views, nil
}

// UpdateChatTitle replaces a chat's title.
func (s *Store) UpdateChatTitle(ctx context.Context, id uint, title string) error {
	res := s.db.WithContext(ctx).Model(&models.Chat{}).Where("id = ?", id).Update("title", title)
	if res.Error != nil {
		return wrap("update chat title", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrap("update chat title", ErrNotFound)
	}
	return nil
}

// DeleteChat deletes a chat; its conversations and messages go with it.
func (s *Store) DeleteChat(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Chat{}, id)
	if res.Error != nil {
		return wrap("delete chat", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrap("delete chat", ErrNotFound)
	}
	return nil
}
