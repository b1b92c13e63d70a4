// Package cassandra stores chat history in Cassandra for deployments where
// message volume outgrows the relational store.
package cassandra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/config"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/repository"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages_by_room (
		room_id text,
		message_id text,
		user_id text,
		username text,
		content text,
		created_at timestamp,
		PRIMARY KEY (room_id, message_id)
	) WITH CLUSTERING ORDER BY (message_id DESC)`,
	`CREATE TABLE IF NOT EXISTS reactions_by_message (
		room_id text,
		message_id text,
		user_id text,
		emoji text,
		created_at timestamp,
		PRIMARY KEY ((room_id, message_id), user_id, emoji)
	)`,
}

// ChatRepository implements repository.ChatRepository on Cassandra.
type ChatRepository struct {
	session *gocql.Session
}

func NewChatRepository(cfg config.CassandraConfig) (*ChatRepository, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.ConnectTimeout = cfg.Timeout
	cluster.Timeout = cfg.Timeout
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create cassandra session: %w", err)
	}
	return &ChatRepository{session: session}, nil
}

// EnsureSchema creates the chat tables in the configured keyspace.
func (r *ChatRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := r.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply cassandra schema: %w", err)
		}
	}
	return nil
}

func (r *ChatRepository) SaveMessage(ctx context.Context, msg *domain.ChatMessage) error {
	now := time.Now().UTC()
	id, err := repository.NewMessageID(now)
	if err != nil {
		return err
	}
	err = r.session.Query(
		`INSERT INTO messages_by_room (room_id, message_id, user_id, username, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.RoomID, id, msg.UserID, msg.Username, msg.Content, now,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	msg.ID = id
	msg.CreatedAt = now
	return nil
}

func (r *ChatRepository) ToggleReaction(ctx context.Context, roomID, messageID, userID, emoji string) (bool, error) {
	var found string
	err := r.session.Query(
		`SELECT message_id FROM messages_by_room WHERE room_id = ? AND message_id = ?`,
		roomID, messageID,
	).WithContext(ctx).Scan(&found)
	if errors.Is(err, gocql.ErrNotFound) {
		return false, repository.ErrMessageNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up message: %w", err)
	}

	applied, err := r.session.Query(
		`INSERT INTO reactions_by_message (room_id, message_id, user_id, emoji, created_at)
		 VALUES (?, ?, ?, ?, ?) IF NOT EXISTS`,
		roomID, messageID, userID, emoji, time.Now().UTC(),
	).WithContext(ctx).MapScanCAS(make(map[string]interface{}))
	if err != nil {
		return false, fmt.Errorf("failed to add reaction: %w", err)
	}
	if applied {
		return true, nil
	}

	err = r.session.Query(
		`DELETE FROM reactions_by_message WHERE room_id = ? AND message_id = ? AND user_id = ? AND emoji = ?`,
		roomID, messageID, userID, emoji,
	).WithContext(ctx).Exec()
	if err != nil {
		return false, fmt.Errorf("failed to remove reaction: %w", err)
	}
	return false, nil
}

func (r *ChatRepository) Close() error {
	r.session.Close()
	return nil
}

func parseConsistency(s string) gocql.Consistency {
	switch strings.ToUpper(s) {
	case "ONE":
		return gocql.One
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_ONE":
		return gocql.LocalOne
	case "EACH_QUORUM":
		return gocql.EachQuorum
	default:
		return gocql.LocalQuorum
	}
}
