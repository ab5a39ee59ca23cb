package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/loadstone-io/loadstone/internal/catalog"
	"github.com/loadstone-io/loadstone/internal/storage"
)

// DefaultTable is the queue table created by the bundled migrations.
const DefaultTable = "queue_messages"

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresQueue stores messages in a single table. A partial index on
// (topic, ts) over unacknowledged rows makes "oldest reservable" a range
// scan; the composite status-prefix key some document stores use for the same
// purpose has no Postgres equivalent, a filtered btree does the job.
//
// All lease arithmetic runs on the application clock so the in-memory and
// Postgres queues agree about expiry; the database clock is never consulted.
type PostgresQueue struct {
	conn      *storage.Connection
	table     string
	leaseTime time.Duration
	logger    *slog.Logger
}

var _ Queue = (*PostgresQueue)(nil)

// NewPostgresQueue creates a queue on an open connection. table is the
// backing table name; pass DefaultTable unless the deployment overrides it.
func NewPostgresQueue(conn *storage.Connection, table string, leaseTime time.Duration, logger *slog.Logger) (*PostgresQueue, error) {
	if table == "" {
		table = DefaultTable
	}

	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid queue table name %q", table)
	}

	if leaseTime <= 0 {
		leaseTime = DefaultLeaseTime
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresQueue{
		conn:      conn,
		table:     table,
		leaseTime: leaseTime,
		logger:    logger.With(slog.String("component", "queue")),
	}, nil
}

// Enqueue appends a new message to topic.
func (q *PostgresQueue) Enqueue(ctx context.Context, topic string, body Body) (*Message, error) {
	message := &Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Body:      body,
		Ver:       1,
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, catalog.NewInternal("serializing message body", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, topic, ts, body, pid, lease_deadline, acked, ver)
		VALUES ($1, $2, $3, $4, '', NULL, FALSE, 1)
	`, q.table)

	if _, err := q.conn.ExecContext(ctx, query, message.ID, message.Topic, message.Timestamp, bodyJSON); err != nil {
		return nil, q.mapError("enqueue", err)
	}

	return message, nil
}

// EnqueueWithID appends a message under a caller-supplied id. The insert is
// idempotent: a conflicting id leaves the existing row untouched.
func (q *PostgresQueue) EnqueueWithID(ctx context.Context, topic, id string, body Body) error {
	if id == "" {
		return ErrIDRequired
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return catalog.NewInternal("serializing message body", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, topic, ts, body, pid, lease_deadline, acked, ver)
		VALUES ($1, $2, $3, $4, '', NULL, FALSE, 1)
		ON CONFLICT (id) DO NOTHING
	`, q.table)

	if _, err := q.conn.ExecContext(ctx, query, id, topic, time.Now().UTC(), bodyJSON); err != nil {
		return q.mapError("enqueue", err)
	}

	return nil
}

// Reserve claims one of the oldest reservable messages of topic for pid. A
// lost compare-and-set means another worker claimed the same candidate, so
// the selection restarts from scratch.
func (q *PostgresQueue) Reserve(ctx context.Context, topic, pid string) (*Message, error) {
	selectQuery := fmt.Sprintf(`
		SELECT id, topic, ts, body, pid, lease_deadline, acked, ver
		FROM %s
		WHERE topic = $1 AND NOT acked AND (pid = '' OR lease_deadline <= $2)
		ORDER BY ts
		LIMIT %d
	`, q.table, ReserveWindow)

	claimQuery := fmt.Sprintf(`
		UPDATE %s
		SET pid = $2, lease_deadline = $3, ver = ver + 1
		WHERE id = $1 AND ver = $4
	`, q.table)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now().UTC()

		candidates, err := q.queryMessages(ctx, "reserve", selectQuery, topic, now)
		if err != nil {
			return nil, err
		}

		if len(candidates) == 0 {
			return nil, ErrNoMessage
		}

		message := candidates[rand.Intn(len(candidates))]
		deadline := now.Add(q.leaseTime)

		result, err := q.conn.ExecContext(ctx, claimQuery, message.ID, pid, deadline, message.Ver)
		if err != nil {
			return nil, q.mapError("reserve", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return nil, q.mapError("reserve", err)
		}

		if affected == 0 {
			continue
		}

		message.PID = pid
		message.LeaseDeadline = deadline
		message.Ver++

		return message, nil
	}
}

// Ack terminates a message.
func (q *PostgresQueue) Ack(ctx context.Context, messageID, pid string) error {
	updateQuery := fmt.Sprintf(`
		UPDATE %s SET acked = TRUE, ver = ver + 1 WHERE id = $1 AND ver = $2
	`, q.table)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		message, err := q.getMessage(ctx, messageID)
		if err != nil {
			return err
		}

		if message.Acked {
			return nil
		}

		if message.PID != pid {
			return ErrWrongOwner
		}

		if time.Now().After(message.LeaseDeadline) {
			return ErrLeaseExpired
		}

		result, err := q.conn.ExecContext(ctx, updateQuery, messageID, message.Ver)
		if err != nil {
			return q.mapError("ack", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return q.mapError("ack", err)
		}

		if affected > 0 {
			return nil
		}
	}
}

// ExtendLease pushes the lease deadline out for a held message.
func (q *PostgresQueue) ExtendLease(ctx context.Context, messageID, pid string) (time.Time, error) {
	updateQuery := fmt.Sprintf(`
		UPDATE %s SET lease_deadline = $2, ver = ver + 1 WHERE id = $1 AND ver = $3
	`, q.table)

	for {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}

		message, err := q.getMessage(ctx, messageID)
		if err != nil {
			return time.Time{}, err
		}

		if message.Acked {
			return time.Time{}, ErrAlreadyAcknowledged
		}

		if message.PID != pid {
			return time.Time{}, ErrWrongOwner
		}

		now := time.Now().UTC()
		if now.After(message.LeaseDeadline) {
			return time.Time{}, ErrLeaseExpired
		}

		deadline := now.Add(q.leaseTime)
		if message.LeaseDeadline.After(deadline) {
			deadline = message.LeaseDeadline
		}

		result, err := q.conn.ExecContext(ctx, updateQuery, messageID, deadline, message.Ver)
		if err != nil {
			return time.Time{}, q.mapError("extend lease", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return time.Time{}, q.mapError("extend lease", err)
		}

		if affected > 0 {
			return deadline, nil
		}
	}
}

// List returns the messages matching filter in timestamp order.
func (q *PostgresQueue) List(ctx context.Context, filter Filter) ([]*Message, error) {
	if filter.Topic == "" {
		return nil, ErrTopicRequired
	}

	query := fmt.Sprintf(`
		SELECT id, topic, ts, body, pid, lease_deadline, acked, ver
		FROM %s
		WHERE topic = $1
	`, q.table)

	args := []interface{}{filter.Topic}

	if filter.PID != "" {
		args = append(args, filter.PID)
		query += fmt.Sprintf(" AND pid = $%d", len(args))
	}

	now := time.Now().UTC()

	switch filter.Status {
	case "", StatusAll:
	case StatusNew:
		query += " AND NOT acked AND pid = ''"
	case StatusReserved:
		args = append(args, now)
		query += fmt.Sprintf(" AND NOT acked AND pid <> '' AND lease_deadline > $%d", len(args))
	case StatusExpired:
		args = append(args, now)
		query += fmt.Sprintf(" AND NOT acked AND pid <> '' AND lease_deadline <= $%d", len(args))
	case StatusAcknowledged:
		query += " AND acked"
	default:
		return nil, fmt.Errorf("unknown filter status %q", filter.Status)
	}

	query += " ORDER BY ts"

	return q.queryMessages(ctx, "list", query, args...)
}

// HealthCheck verifies the database is reachable.
func (q *PostgresQueue) HealthCheck(ctx context.Context) error {
	return q.conn.HealthCheck(ctx)
}

// Close is a no-op; the shared connection is owned by the process.
func (q *PostgresQueue) Close() error {
	return nil
}

func (q *PostgresQueue) getMessage(ctx context.Context, messageID string) (*Message, error) {
	query := fmt.Sprintf(`
		SELECT id, topic, ts, body, pid, lease_deadline, acked, ver
		FROM %s
		WHERE id = $1
	`, q.table)

	message, err := scanMessage(q.conn.QueryRowContext(ctx, query, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoMessage
	}

	if err != nil {
		return nil, q.mapError("get message", err)
	}

	return message, nil
}

func (q *PostgresQueue) queryMessages(ctx context.Context, op, query string, args ...interface{}) ([]*Message, error) {
	rows, err := q.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, q.mapError(op, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var result []*Message

	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, q.mapError(op, err)
		}

		result = append(result, message)
	}

	if err := rows.Err(); err != nil {
		return nil, q.mapError(op, err)
	}

	return result, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message       Message
		bodyJSON      []byte
		leaseDeadline sql.NullTime
	)

	err := row.Scan(
		&message.ID,
		&message.Topic,
		&message.Timestamp,
		&bodyJSON,
		&message.PID,
		&leaseDeadline,
		&message.Acked,
		&message.Ver,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(bodyJSON, &message.Body); err != nil {
		return nil, fmt.Errorf("decoding message body: %w", err)
	}

	if leaseDeadline.Valid {
		message.LeaseDeadline = leaseDeadline.Time
	}

	return &message, nil
}

func (q *PostgresQueue) mapError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "53" {
		return catalog.NewTooManyRequests("too-many-requests", op+": storage is overloaded")
	}

	q.logger.Error("queue operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()))

	return catalog.NewInternal(op+" failed", err)
}
