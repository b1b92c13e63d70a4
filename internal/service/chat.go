package service

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/hub"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/repository"
)

func (s *watchService) HandleChatMessage(ctx context.Context, c *hub.Client, cmd domain.ChatMessageCommand) error {
	if err := s.requireMember(c, cmd.RoomID); err != nil {
		return err
	}

	content := strings.TrimSpace(cmd.Message)
	if content == "" {
		return domain.Validation("message must not be empty")
	}
	if utf8.RuneCountInString(content) > s.maxChatLength {
		return domain.Validation("message exceeds %d characters", s.maxChatLength)
	}

	msg := &domain.ChatMessage{
		RoomID:   cmd.RoomID,
		UserID:   c.UserID(),
		Username: c.Session.GetUsername(),
		Content:  content,
	}
	if err := s.chat.SaveMessage(ctx, msg); err != nil {
		return domain.Transient("failed to save chat message", err)
	}

	out := domain.ChatMessageOut{
		Type:      domain.MsgTypeChatMessage,
		RoomID:    msg.RoomID,
		MessageID: msg.ID,
		UserID:    msg.UserID,
		Username:  msg.Username,
		Content:   msg.Content,
		Timestamp: msg.CreatedAt.UnixMilli(),
	}
	if err := s.broadcastRoom(ctx, cmd.RoomID, &out, c.ID); err != nil {
		return err
	}

	out.Type = domain.MsgTypeChatMessageSent
	return c.SendMessage(&out)
}

func (s *watchService) HandleChatTyping(ctx context.Context, c *hub.Client, cmd domain.ChatTypingCommand) error {
	if err := s.requireMember(c, cmd.RoomID); err != nil {
		return err
	}
	return s.broadcastRoom(ctx, cmd.RoomID, &domain.ChatTypingMessage{
		Type:     domain.MsgTypeChatTyping,
		RoomID:   cmd.RoomID,
		UserID:   c.UserID(),
		Username: c.Session.GetUsername(),
		IsTyping: cmd.IsTyping,
	}, c.ID)
}

func (s *watchService) HandleChatReaction(ctx context.Context, c *hub.Client, cmd domain.ChatReactionCommand) error {
	if err := s.requireMember(c, cmd.RoomID); err != nil {
		return err
	}

	emoji := strings.TrimSpace(cmd.Emoji)
	added, err := s.chat.ToggleReaction(ctx, cmd.RoomID, cmd.MessageID, c.UserID(), emoji)
	if errors.Is(err, repository.ErrMessageNotFound) {
		return domain.Validation("message %s not found", cmd.MessageID)
	}
	if err != nil {
		return domain.Transient("failed to toggle reaction", err)
	}

	action := domain.ReactionRemoved
	if added {
		action = domain.ReactionAdded
	}
	return s.broadcastRoom(ctx, cmd.RoomID, &domain.ChatReactionMessage{
		Type:      domain.MsgTypeChatReaction,
		RoomID:    cmd.RoomID,
		MessageID: cmd.MessageID,
		UserID:    c.UserID(),
		Username:  c.Session.GetUsername(),
		Emoji:     emoji,
		Action:    action,
	}, "")
}

func (s *watchService) HandlePlaylistAdd(ctx context.Context, c *hub.Client, cmd domain.PlaylistAddCommand) error {
	if err := s.requireMember(c, cmd.RoomID); err != nil {
		return err
	}

	video, err := s.videos.Lookup(ctx, cmd.VideoID)
	if errors.Is(err, repository.ErrVideoNotFound) {
		return domain.Validation("video %s not found", cmd.VideoID)
	}
	if err != nil {
		return domain.Transient("failed to load video", err)
	}

	title := strings.TrimSpace(cmd.Title)
	if title == "" {
		title = video.Title
	}
	item := &domain.PlaylistItem{
		RoomID:  cmd.RoomID,
		VideoID: video.ID,
		Title:   title,
		AddedBy: c.UserID(),
	}
	if err := s.playlist.Add(ctx, item); err != nil {
		return domain.Transient("failed to add playlist item", err)
	}

	return s.broadcastRoom(ctx, cmd.RoomID, &domain.PlaylistUpdatedMessage{
		Type:   domain.MsgTypePlaylistUpdated,
		RoomID: cmd.RoomID,
		Action: domain.PlaylistActionAdded,
		Item:   item,
		UserID: c.UserID(),
	}, "")
}

func (s *watchService) HandlePlaylistRemove(ctx context.Context, c *hub.Client, cmd domain.PlaylistRemoveCommand) error {
	if err := s.requireMember(c, cmd.RoomID); err != nil {
		return err
	}

	err := s.playlist.Remove(ctx, cmd.RoomID, cmd.ItemID)
	if errors.Is(err, repository.ErrPlaylistItemNotFound) {
		return domain.Validation("playlist item %s not found", cmd.ItemID)
	}
	if err != nil {
		return domain.Transient("failed to remove playlist item", err)
	}

	return s.broadcastRoom(ctx, cmd.RoomID, &domain.PlaylistUpdatedMessage{
		Type:   domain.MsgTypePlaylistUpdated,
		RoomID: cmd.RoomID,
		Action: domain.PlaylistActionRemoved,
		ItemID: cmd.ItemID,
		UserID: c.UserID(),
	}, "")
}

func (s *watchService) HandlePlaylistReorder(ctx context.Context, c *hub.Client, cmd domain.PlaylistReorderCommand) error {
	if err := s.requireMember(c, cmd.RoomID); err != nil {
		return err
	}

	items, err := s.playlist.Reorder(ctx, cmd.RoomID, cmd.ItemIDs)
	if errors.Is(err, repository.ErrPlaylistMismatch) {
		return domain.Validation("item_ids must list every playlist item exactly once")
	}
	if err != nil {
		return domain.Transient("failed to reorder playlist", err)
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return s.broadcastRoom(ctx, cmd.RoomID, &domain.PlaylistUpdatedMessage{
		Type:    domain.MsgTypePlaylistUpdated,
		RoomID:  cmd.RoomID,
		Action:  domain.PlaylistActionReordered,
		ItemIDs: ids,
		UserID:  c.UserID(),
	}, "")
}
