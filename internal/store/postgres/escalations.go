package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/internal/store"
)

const escalationColumns = `id, conversation_id, company_id, status, priority, trigger_kind, reason, created_at,
	accepted_by, accepted_at, first_response_at, resolved_by, resolved_at, resolution`

func scanEscalation(row rowScanner) (*model.Escalation, error) {
	var (
		esc                                     model.Escalation
		acceptedBy, resolvedBy                  sql.NullString
		acceptedAt, firstResponseAt, resolvedAt sql.NullTime
	)
	err := row.Scan(
		&esc.ID, &esc.ConversationID, &esc.CompanyID, &esc.Status, &esc.Priority, &esc.Trigger, &esc.Reason, &esc.CreatedAt,
		&acceptedBy, &acceptedAt, &firstResponseAt, &resolvedBy, &resolvedAt, &esc.Resolution,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	esc.AcceptedBy = stringPtr(acceptedBy)
	esc.AcceptedAt = timePtr(acceptedAt)
	esc.FirstResponseAt = timePtr(firstResponseAt)
	esc.ResolvedBy = stringPtr(resolvedBy)
	esc.ResolvedAt = timePtr(resolvedAt)
	return &esc, nil
}

func scanEscalations(rows *sql.Rows) ([]model.Escalation, error) {
	var out []model.Escalation
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *esc)
	}
	return out, rows.Err()
}

// lockConversation reads the conversation row FOR UPDATE inside tx.
func lockConversation(ctx context.Context, tx *sql.Tx, id string) (*model.Conversation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, id)
	return scanConversation(row)
}

func lockEscalation(ctx context.Context, tx *sql.Tx, id string) (*model.Escalation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id = $1 FOR UPDATE`, id)
	return scanEscalation(row)
}

func (s *Store) OpenEscalation(ctx context.Context, esc *model.Escalation) (*model.Escalation, bool, error) {
	var (
		out     *model.Escalation
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		conv, err := lockConversation(ctx, tx, esc.ConversationID)
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+escalationColumns+` FROM escalations WHERE conversation_id = $1 AND status IN ('pending', 'accepted')`,
			conv.ID,
		)
		existing, err := scanEscalation(row)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if conv.Status != model.StatusActive {
			return fmt.Errorf("%w: cannot escalate a %s conversation", store.ErrStateConflict, conv.Status)
		}

		now := s.now()
		id := esc.ID
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		createdAt := esc.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		priority := esc.Priority
		if priority == "" {
			priority = model.PriorityNormal
		}
		row = tx.QueryRowContext(ctx,
			`INSERT INTO escalations (id, conversation_id, company_id, status, priority, trigger_kind, reason, created_at)
			 VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7)
			 RETURNING `+escalationColumns,
			id, conv.ID, conv.CompanyID, priority, esc.Trigger, esc.Reason, createdAt,
		)
		if out, err = scanEscalation(row); err != nil {
			return fmt.Errorf("insert escalation: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE conversations SET status = 'waiting_human', assigned_user_id = NULL, updated_at = $1
			 WHERE id = $2 AND status = 'active'`,
			now, conv.ID,
		)
		if err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		if err := expectOne(res, "conversation is not active"); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *Store) GetEscalation(ctx context.Context, id string) (*model.Escalation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id = $1`, id)
	return scanEscalation(row)
}

func (s *Store) GetOpenEscalation(ctx context.Context, conversationID string) (*model.Escalation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE conversation_id = $1 AND status IN ('pending', 'accepted')`,
		conversationID,
	)
	return scanEscalation(row)
}

func (s *Store) ListEscalations(ctx context.Context, filter model.EscalationFilter) ([]model.Escalation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations
		 WHERE ($1 = '' OR company_id = $1) AND ($2 = '' OR status = $2)
		 ORDER BY CASE priority WHEN 'urgent' THEN 2 WHEN 'high' THEN 1 ELSE 0 END DESC, created_at
		 LIMIT $3`,
		filter.CompanyID, string(filter.Status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()
	return scanEscalations(rows)
}

func (s *Store) ClaimEscalation(ctx context.Context, id, userID string, at time.Time) (*model.Escalation, *model.Conversation, error) {
	var (
		esc  *model.Escalation
		conv *model.Conversation
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`UPDATE escalations SET status = 'accepted', accepted_by = $1, accepted_at = $2
			 WHERE id = $3 AND status = 'pending'
			 RETURNING `+escalationColumns,
			userID, at, id,
		)
		var err error
		esc, err = scanEscalation(row)
		if errors.Is(err, store.ErrNotFound) {
			return s.escalationConflict(ctx, tx, id)
		}
		if err != nil {
			return err
		}

		row = tx.QueryRowContext(ctx,
			`UPDATE conversations SET status = 'with_human', assigned_user_id = $1, updated_at = $2
			 WHERE id = $3 AND status = 'waiting_human'
			 RETURNING `+conversationColumns,
			userID, at, esc.ConversationID,
		)
		conv, err = scanConversation(row)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: conversation is not waiting_human", store.ErrStateConflict)
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return esc, conv, nil
}

func (s *Store) CloseEscalation(ctx context.Context, id string, p store.CloseParams) (*model.Escalation, *model.Conversation, error) {
	if !model.CanTransition(model.StatusWithHuman, p.ConversationTo) {
		return nil, nil, fmt.Errorf("%w: with_human -> %s", store.ErrInvalidTransition, p.ConversationTo)
	}

	var (
		esc  *model.Escalation
		conv *model.Conversation
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockEscalation(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status != model.EscalationAccepted {
			return fmt.Errorf("%w: escalation is %s", store.ErrStateConflict, current.Status)
		}
		if p.ExpectAcceptedBy != "" && !current.AcceptedByUser(p.ExpectAcceptedBy) {
			return fmt.Errorf("%w: escalation held by another agent", store.ErrStateConflict)
		}

		row := tx.QueryRowContext(ctx,
			`UPDATE escalations SET status = $1, resolved_by = $2, resolved_at = $3, resolution = $4
			 WHERE id = $5 AND status = 'accepted'
			 RETURNING `+escalationColumns,
			p.To, nullString(nonEmpty(p.ResolvedBy)), p.At, p.Resolution, id,
		)
		if esc, err = scanEscalation(row); err != nil {
			return err
		}

		row = tx.QueryRowContext(ctx,
			`UPDATE conversations
			 SET status = $1, assigned_user_id = NULL, turns_since_human = 0, updated_at = $2
			 WHERE id = $3 AND status = 'with_human'
			 RETURNING `+conversationColumns,
			p.ConversationTo, p.At, esc.ConversationID,
		)
		conv, err = scanConversation(row)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: conversation is not with_human", store.ErrStateConflict)
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return esc, conv, nil
}

func (s *Store) MarkFirstResponse(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE escalations SET first_response_at = COALESCE(first_response_at, $1) WHERE id = $2`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("mark first response: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AbandonConversation(ctx context.Context, id string, from model.ConversationStatus, at time.Time) (*model.Conversation, *model.Escalation, error) {
	if !model.CanTransition(from, model.StatusAbandoned) {
		return nil, nil, fmt.Errorf("%w: %s -> abandoned", store.ErrInvalidTransition, from)
	}

	var (
		conv   *model.Conversation
		closed *model.Escalation
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockConversation(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status != from {
			return fmt.Errorf("%w: conversation is %s, expected %s", store.ErrStateConflict, current.Status, from)
		}

		row := tx.QueryRowContext(ctx,
			`UPDATE escalations SET status = 'returned', resolved_at = $1, resolution = 'conversation abandoned'
			 WHERE conversation_id = $2 AND status IN ('pending', 'accepted')
			 RETURNING `+escalationColumns,
			at, id,
		)
		closed, err = scanEscalation(row)
		if errors.Is(err, store.ErrNotFound) {
			closed, err = nil, nil
		}
		if err != nil {
			return err
		}

		row = tx.QueryRowContext(ctx,
			`UPDATE conversations SET status = 'abandoned', assigned_user_id = NULL, updated_at = $1
			 WHERE id = $2 AND status = $3
			 RETURNING `+conversationColumns,
			at, id, from,
		)
		conv, err = scanConversation(row)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return conv, closed, nil
}

func (s *Store) ListStalePending(ctx context.Context, before time.Time, limit int) ([]model.Escalation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale escalations: %w", err)
	}
	defer rows.Close()
	return scanEscalations(rows)
}

func (s *Store) escalationConflict(ctx context.Context, tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM escalations WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: escalation is %s", store.ErrStateConflict, status)
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
