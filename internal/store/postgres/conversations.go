package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/internal/store"
)

const conversationColumns = `id, company_id, end_user_id, agent_id, channel, status, assigned_user_id,
	message_count, last_message_at, sentiment, turns_since_human, agent_failures, tags, metadata,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var (
		conv     model.Conversation
		assigned sql.NullString
		metadata []byte
	)
	err := row.Scan(
		&conv.ID, &conv.CompanyID, &conv.EndUserID, &conv.AgentID, &conv.Channel, &conv.Status, &assigned,
		&conv.MessageCount, &conv.LastMessageAt, &conv.Sentiment, &conv.TurnsSinceHuman, &conv.AgentFailures,
		pq.Array(&conv.Tags), &metadata, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	conv.AssignedUserID = stringPtr(assigned)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &conv.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

func (s *Store) GetOrCreateConversation(ctx context.Context, companyID, endUserID string, channel model.Channel, agentID string) (*model.Conversation, bool, error) {
	now := s.now()
	id := uuid.Must(uuid.NewV7()).String()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, company_id, end_user_id, agent_id, channel, status, last_message_at, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'active', $6, '{"starred": false}'::jsonb, $6, $6)
		 ON CONFLICT (company_id, channel, end_user_id) WHERE status NOT IN ('resolved', 'abandoned') DO NOTHING`,
		id, companyID, endUserID, agentID, channel, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}
	created, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE company_id = $1 AND channel = $2 AND end_user_id = $3 AND status NOT IN ('resolved', 'abandoned')`,
		companyID, channel, endUserID,
	)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, false, err
	}
	return conv, created == 1, nil
}

func (s *Store) ListConversations(ctx context.Context, filter model.ConversationFilter) ([]model.Conversation, int, error) {
	where := `WHERE company_id = $1
		AND ($2 = '' OR status = $2)
		AND ($3 = '' OR assigned_user_id = $3)`
	args := []any{filter.CompanyID, string(filter.Status), filter.AssignedUserID}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM conversations `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations `+where+`
		 ORDER BY last_message_at DESC LIMIT $4 OFFSET $5`,
		append(args, limit, filter.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs, err := scanConversations(rows)
	return convs, total, err
}

func scanConversations(rows *sql.Rows) ([]model.Conversation, error) {
	var out []model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

func (s *Store) AppendMessage(ctx context.Context, msg *model.Message) (*model.Conversation, error) {
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	var externalID sql.NullString
	if msg.ExternalID != "" {
		externalID = sql.NullString{String: msg.ExternalID, Valid: true}
	}

	var conv *model.Conversation
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, company_id, channel, external_id, role, direction, author_id,
			   content, content_type, attachments, reply_to_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			msg.ID, msg.ConversationID, msg.CompanyID, msg.Channel, externalID, msg.Role, msg.Direction, msg.AuthorID,
			msg.Content, msg.ContentType, attachments, msg.ReplyToID, msg.CreatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return store.ErrDuplicateMessage
			}
			return fmt.Errorf("insert message: %w", err)
		}

		turn := 0
		if msg.Role == model.RoleUser {
			turn = 1
		}
		row := tx.QueryRowContext(ctx,
			`UPDATE conversations
			 SET message_count = message_count + 1, last_message_at = $2, updated_at = $3,
			     turns_since_human = turns_since_human + $4
			 WHERE id = $1
			 RETURNING `+conversationColumns,
			msg.ConversationID, msg.CreatedAt, s.now(), turn,
		)
		conv, err = scanConversation(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, company_id, channel, COALESCE(external_id, ''), role, direction, author_id,
		        content, content_type, attachments, reply_to_id, created_at
		 FROM (SELECT * FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2) m
		 ORDER BY created_at`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			msg         model.Message
			attachments []byte
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.CompanyID, &msg.Channel, &msg.ExternalID, &msg.Role,
			&msg.Direction, &msg.AuthorID, &msg.Content, &msg.ContentType, &attachments, &msg.ReplyToID, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) SetStatus(ctx context.Context, id string, from, to model.ConversationStatus) error {
	if to == model.StatusWithHuman || !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, from, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = $1, assigned_user_id = NULL, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		to, s.now(), id, from,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return s.conflictOrMissing(ctx, res, id, "conversation status is not "+string(from))
}

func (s *Store) Assign(ctx context.Context, id, from, to string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE conversations SET assigned_user_id = $1, updated_at = $2
			 WHERE id = $3 AND status = 'with_human' AND assigned_user_id = $4`,
			to, s.now(), id, from,
		)
		if err != nil {
			return fmt.Errorf("assign conversation: %w", err)
		}
		if err := expectOne(res, "conversation is not with_human or not assigned to "+from); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE escalations SET accepted_by = $1 WHERE conversation_id = $2 AND status = 'accepted'`,
			to, id,
		)
		return err
	})
}

func (s *Store) Unassign(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET assigned_user_id = NULL, updated_at = $1 WHERE id = $2 AND status <> 'with_human'`,
		s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("unassign conversation: %w", err)
	}
	return s.conflictOrMissing(ctx, res, id, "with_human conversations must stay assigned")
}

func (s *Store) UpdateSignals(ctx context.Context, id string, upd store.SignalUpdate) (*model.Conversation, error) {
	var sentiment sql.NullFloat64
	if upd.Sentiment != nil {
		sentiment = sql.NullFloat64{Float64: *upd.Sentiment, Valid: true}
	}
	var failures sql.NullInt64
	if upd.AgentFailures != nil {
		failures = sql.NullInt64{Int64: int64(*upd.AgentFailures), Valid: true}
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE conversations
		 SET sentiment = COALESCE($2, sentiment),
		     agent_failures = COALESCE($3, agent_failures),
		     turns_since_human = CASE WHEN $4 THEN 0 ELSE turns_since_human END,
		     updated_at = $5
		 WHERE id = $1
		 RETURNING `+conversationColumns,
		id, sentiment, failures, upd.ResetTurns, s.now(),
	)
	return scanConversation(row)
}

func (s *Store) ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c
		 WHERE c.status = 'active' AND c.last_message_at < $1
		   AND NOT EXISTS (SELECT 1 FROM escalations e WHERE e.conversation_id = c.id AND e.status IN ('pending', 'accepted'))
		 ORDER BY c.last_message_at
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list idle conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// conflictOrMissing distinguishes a lost CAS from a missing row.
func (s *Store) conflictOrMissing(ctx context.Context, res sql.Result, id, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return fmt.Errorf("%w: %s", store.ErrStateConflict, what)
}
