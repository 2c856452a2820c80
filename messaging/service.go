// Package messaging implements conversations, their participants and
// messages, including read tracking.
package messaging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"marketplace-svc/apperr"
	"marketplace-svc/database"
	"marketplace-svc/models"
	"marketplace-svc/orders"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	tracerName = "marketplace-service"

	defaultMessageLimit = 20
	maxMessageLimit     = 100
)

type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewService(db *sql.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func notParticipant() error {
	return apperr.Forbidden("You are not a participant in this conversation")
}

// CreateConversation opens a conversation started by the actor. The creator
// joins with their own role; every other participant joins with the role on
// their user record.
func (s *Service) CreateConversation(ctx context.Context, req models.CreateConversationRequest, actor models.Actor) (*models.Conversation, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "messaging.CreateConversation")
	defer span.End()

	if strings.TrimSpace(req.Topic) == "" {
		return nil, apperr.Validation("Conversation topic is required")
	}

	others := make([]int64, 0, len(req.ParticipantIDs))
	seen := map[int64]bool{actor.UserID: true}
	for _, id := range req.ParticipantIDs {
		if !seen[id] {
			seen[id] = true
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return nil, apperr.Validation("At least one participant is required")
	}

	if req.OrderID != nil {
		ok, err := s.IsAuthorizedForOrderConversation(ctx, actor, *req.OrderID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.Forbidden("You are not authorized to start a conversation about this order")
		}
	}

	var conversationID int64
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		roles, err := userRoles(ctx, tx, others)
		if err != nil {
			return err
		}
		if len(roles) != len(others) {
			return apperr.Validation("One or more participants do not exist")
		}

		// order_id is unique; a NULL order never conflicts.
		err = tx.QueryRowContext(ctx,
			`INSERT INTO conversations (topic, started_by, order_id, last_message_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (order_id) DO NOTHING
			RETURNING id`,
			strings.TrimSpace(req.Topic), actor.UserID, req.OrderID, s.now(),
		).Scan(&conversationID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.Conflict("A conversation already exists for this order")
		}
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}

		if err := addParticipant(ctx, tx, conversationID, actor.UserID, actor.Role); err != nil {
			return err
		}
		for _, id := range others {
			if err := addParticipant(ctx, tx, conversationID, id, roles[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info("Conversation created",
		zap.Int64("conversation_id", conversationID),
		zap.Int64("started_by", actor.UserID),
		zap.Int("participants", len(others)+1),
	)
	return s.GetConversationByID(ctx, conversationID, actor.UserID)
}

func userRoles(ctx context.Context, q database.Querier, ids []int64) (map[int64]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT id, role FROM users WHERE id = ANY($1)", pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	defer rows.Close()

	roles := make(map[int64]string, len(ids))
	for rows.Next() {
		var id int64
		var role string
		if err := rows.Scan(&id, &role); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		roles[id] = role
	}
	return roles, rows.Err()
}

func addParticipant(ctx context.Context, q database.Querier, conversationID, userID int64, role string) error {
	if _, err := q.ExecContext(ctx,
		"INSERT INTO conversation_participants (conversation_id, user_id, role) VALUES ($1, $2, $3)",
		conversationID, userID, role,
	); err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

const conversationColumns = "c.id, c.topic, c.started_by, c.order_id, c.last_message_at, c.created_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner, extra ...any) (*models.Conversation, error) {
	var c models.Conversation
	dest := append([]any{&c.ID, &c.Topic, &c.StartedBy, &c.OrderID, &c.LastMessageAt, &c.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Service) GetConversationByID(ctx context.Context, conversationID, userID int64) (*models.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations c WHERE c.id = $1", conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return s.withParticipants(ctx, c, userID)
}

// GetConversationByOrderID requires the caller to be both related to the
// order and a member of its conversation.
func (s *Service) GetConversationByOrderID(ctx context.Context, orderID int64, actor models.Actor) (*models.Conversation, error) {
	ok, err := s.IsAuthorizedForOrderConversation(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Forbidden("You are not authorized to view this order's conversation")
	}

	c, err := scanConversation(s.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations c WHERE c.order_id = $1", orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return s.withParticipants(ctx, c, actor.UserID)
}

func (s *Service) withParticipants(ctx context.Context, c *models.Conversation, userID int64) (*models.Conversation, error) {
	byConversation, err := s.loadParticipants(ctx, []int64{c.ID})
	if err != nil {
		return nil, err
	}
	c.Participants = byConversation[c.ID]
	for _, p := range c.Participants {
		if p.UserID == userID {
			return c, nil
		}
	}
	return nil, notParticipant()
}

func (s *Service) loadParticipants(ctx context.Context, conversationIDs []int64) (map[int64][]models.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cp.conversation_id, cp.user_id, cp.role, u.first_name, u.last_name, cp.joined_at, cp.last_read_message_id
		FROM conversation_participants cp JOIN users u ON u.id = cp.user_id
		WHERE cp.conversation_id = ANY($1)
		ORDER BY cp.conversation_id, cp.id`,
		pq.Array(conversationIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]models.Participant, len(conversationIDs))
	for rows.Next() {
		var conversationID int64
		var p models.Participant
		if err := rows.Scan(&conversationID, &p.UserID, &p.Role, &p.FirstName, &p.LastName, &p.JoinedAt, &p.LastReadMessageID); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		out[conversationID] = append(out[conversationID], p)
	}
	return out, rows.Err()
}

// GetUserConversations lists the user's conversations, most recently active
// first, each with its latest message and the user's unread count.
func (s *Service) GetUserConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "messaging.GetUserConversations")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+`,
			(SELECT COUNT(*) FROM messages m
			WHERE m.conversation_id = c.id AND m.sender_id <> $1 AND m.is_deleted = FALSE
			AND m.id > COALESCE(cp.last_read_message_id, 0)) AS unread_count
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id AND cp.user_id = $1
		ORDER BY c.last_message_at DESC NULLS LAST, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	summaries := []models.ConversationSummary{}
	var ids []int64
	for rows.Next() {
		var unread int
		c, err := scanConversation(rows, &unread)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		summaries = append(summaries, models.ConversationSummary{Conversation: *c, UnreadCount: unread})
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return summaries, nil
	}

	participants, err := s.loadParticipants(ctx, ids)
	if err != nil {
		return nil, err
	}
	latest, err := s.latestMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range summaries {
		id := summaries[i].ID
		summaries[i].Participants = participants[id]
		summaries[i].LastMessage = latest[id]
	}

	span.SetAttributes(attribute.Int("conversations", len(summaries)))
	return summaries, nil
}

const messageColumns = "m.id, m.conversation_id, m.sender_id, u.first_name || ' ' || u.last_name, m.content, m.attachments, m.sent_at, m.read_at"

func scanMessage(row scanner) (*models.Message, error) {
	var m models.Message
	var attachments []byte
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Content, &attachments, &m.SentAt, &m.ReadAt); err != nil {
		return nil, err
	}
	if len(attachments) > 0 {
		m.Attachments = json.RawMessage(attachments)
	}
	return &m, nil
}

func (s *Service) latestMessages(ctx context.Context, conversationIDs []int64) (map[int64]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT ON (m.conversation_id) `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ANY($1) AND m.is_deleted = FALSE
		ORDER BY m.conversation_id, m.id DESC`,
		pq.Array(conversationIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest messages: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*models.Message, len(conversationIDs))
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out[m.ConversationID] = m
	}
	return out, rows.Err()
}

func (s *Service) IsConversationParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)",
		conversationID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return ok, nil
}

func (s *Service) requireParticipant(ctx context.Context, conversationID, userID int64) error {
	ok, err := s.IsConversationParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return notParticipant()
	}
	return nil
}

// IsAuthorizedForOrderConversation reports whether the actor may talk about
// an order: the buyer who placed it, or a producer with a product in it.
func (s *Service) IsAuthorizedForOrderConversation(ctx context.Context, actor models.Actor, orderID int64) (bool, error) {
	switch actor.Role {
	case models.RoleBuyer:
		var ok bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM orders o JOIN buyers b ON b.id = o.buyer_id
			WHERE o.id = $1 AND b.user_id = $2)`,
			orderID, actor.UserID,
		).Scan(&ok)
		if err != nil {
			return false, fmt.Errorf("failed to check order ownership: %w", err)
		}
		return ok, nil
	case models.RoleProducer:
		return orders.ProducerHasItem(ctx, s.db, orderID, actor.UserID)
	default:
		return false, nil
	}
}

// SendMessage stores a message from a participant and bumps the
// conversation's lastMessageAt.
func (s *Service) SendMessage(ctx context.Context, req models.SendMessageRequest, userID int64) (*models.Message, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "messaging.SendMessage")
	defer span.End()
	span.SetAttributes(attribute.Int64("conversation.id", req.ConversationID))

	if req.ConversationID <= 0 {
		return nil, apperr.Validation("Conversation ID is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, apperr.Validation("Message content is required")
	}
	if err := s.requireParticipant(ctx, req.ConversationID, userID); err != nil {
		return nil, err
	}

	m := &models.Message{
		ConversationID: req.ConversationID,
		SenderID:       userID,
		Content:        req.Content,
		Attachments:    req.Attachments,
	}
	var attachments any
	if len(req.Attachments) > 0 {
		attachments = []byte(req.Attachments)
	}

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO messages (conversation_id, sender_id, content, attachments, sent_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, sent_at, (SELECT first_name || ' ' || last_name FROM users WHERE id = $2)`,
			m.ConversationID, m.SenderID, m.Content, attachments, s.now(),
		).Scan(&m.ID, &m.SentAt, &m.SenderName)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE conversations SET last_message_at = $1 WHERE id = $2",
			m.SentAt, m.ConversationID,
		); err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Debug("Message sent",
		zap.Int64("message_id", m.ID),
		zap.Int64("conversation_id", m.ConversationID),
		zap.Int64("sender_id", userID),
	)
	return m, nil
}

// GetMessages returns one page of messages, newest first. Reading a page
// counts as reading it: the caller's high-water mark moves up to the newest
// message in the page and other senders' unread messages up to it get a
// readAt.
func (s *Service) GetMessages(ctx context.Context, conversationID int64, page, limit int, userID int64) (*models.MessagePage, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "messaging.GetMessages")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = $1 AND is_deleted = FALSE",
		conversationID,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1 AND m.is_deleted = FALSE
		ORDER BY m.id DESC LIMIT $2 OFFSET $3`,
		conversationID, limit, (page-1)*limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(messages) > 0 {
		if err := s.markPageRead(ctx, conversationID, userID, messages); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	return &models.MessagePage{
		TotalMessages: total,
		TotalPages:    int(math.Ceil(float64(total) / float64(limit))),
		CurrentPage:   page,
		Messages:      messages,
	}, nil
}

func (s *Service) markPageRead(ctx context.Context, conversationID, userID int64, messages []models.Message) error {
	newest := messages[0].ID
	readAt := s.now()

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversation_participants
			SET last_read_message_id = GREATEST(COALESCE(last_read_message_id, 0), $1)
			WHERE conversation_id = $2 AND user_id = $3`,
			newest, conversationID, userID,
		); err != nil {
			return fmt.Errorf("failed to advance read position: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET read_at = $1
			WHERE conversation_id = $2 AND sender_id <> $3 AND read_at IS NULL AND id <= $4`,
			readAt, conversationID, userID, newest,
		); err != nil {
			return fmt.Errorf("failed to mark messages read: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := range messages {
		if messages[i].SenderID != userID && messages[i].ReadAt == nil {
			messages[i].ReadAt = &readAt
		}
	}
	return nil
}

// MarkMessageAsRead records that userID has read a message from someone else.
// The returned receipt carries the sender so it can be notified.
func (s *Service) MarkMessageAsRead(ctx context.Context, messageID, userID int64) (*models.ReadReceipt, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "messaging.MarkMessageAsRead")
	defer span.End()

	receipt := &models.ReadReceipt{MessageID: messageID, ReadBy: userID}
	err := s.db.QueryRowContext(ctx,
		"SELECT conversation_id, sender_id FROM messages WHERE id = $1 AND is_deleted = FALSE",
		messageID,
	).Scan(&receipt.ConversationID, &receipt.SenderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}

	if receipt.SenderID == userID {
		return nil, apperr.Validation("You cannot mark your own messages as read")
	}
	if err := s.requireParticipant(ctx, receipt.ConversationID, userID); err != nil {
		return nil, err
	}

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			"UPDATE messages SET read_at = COALESCE(read_at, $1) WHERE id = $2 RETURNING read_at",
			s.now(), messageID,
		).Scan(&receipt.ReadAt); err != nil {
			return fmt.Errorf("failed to mark message read: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversation_participants
			SET last_read_message_id = GREATEST(COALESCE(last_read_message_id, 0), $1)
			WHERE conversation_id = $2 AND user_id = $3`,
			messageID, receipt.ConversationID, userID,
		); err != nil {
			return fmt.Errorf("failed to advance read position: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return receipt, nil
}

// DeleteMessage soft-deletes a message. Only its sender may do so.
func (s *Service) DeleteMessage(ctx context.Context, messageID, userID int64) error {
	var senderID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT sender_id FROM messages WHERE id = $1 AND is_deleted = FALSE", messageID,
	).Scan(&senderID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("Message not found")
	}
	if err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}
	if senderID != userID {
		return apperr.Forbidden("You can only delete your own messages")
	}

	if _, err := s.db.ExecContext(ctx, "UPDATE messages SET is_deleted = TRUE WHERE id = $1", messageID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	s.logger.Info("Message deleted", zap.Int64("message_id", messageID), zap.Int64("user_id", userID))
	return nil
}

func (s *Service) GetUnreadCount(ctx context.Context, conversationID, userID int64) (int, error) {
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return 0, err
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages m
		JOIN conversation_participants cp ON cp.conversation_id = m.conversation_id AND cp.user_id = $2
		WHERE m.conversation_id = $1 AND m.sender_id <> $2 AND m.is_deleted = FALSE
		AND m.id > COALESCE(cp.last_read_message_id, 0)`,
		conversationID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return count, nil
}
