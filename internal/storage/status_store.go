package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"
)

// insertChunkSize keeps one multi-row INSERT below PostgreSQL's bind parameter limit.
const insertChunkSize = 1000

const statusColumns = `id, dsttype, dstname, dstfile, run, segment, nsegments, inputs, ranges, prod_id,
	cluster, process, status, submitting, submitted, started, running, ended,
	submission_host, execution_node, COALESCE(message, ''), flags, exit_code, nevents, logsize`

// activeForHold lists the states a scheduler hold may overwrite.
var activeForHold = []string{
	string(StatusSubmitting), string(StatusSubmitted), string(StatusStarted), string(StatusRunning), string(StatusHeld),
}

type (
	// StatusStore reads and writes production_status rows. Mutations address rows by id.
	StatusStore struct {
		conn   *Connection
		logger *slog.Logger
		host   string
		now    func() time.Time
	}

	// StatusStoreOption configures a StatusStore.
	StatusStoreOption func(*StatusStore)

	// SubmissionTx holds the uncommitted "submitting" rows of one submission.
	SubmissionTx struct {
		tx    *sql.Tx
		store *StatusStore
		done  bool
	}
)

// WithSubmissionHost overrides the host recorded on inserted rows.
func WithSubmissionHost(host string) StatusStoreOption {
	return func(s *StatusStore) { s.host = host }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) StatusStoreOption {
	return func(s *StatusStore) { s.now = now }
}

// WithStatusLogger sets the logger.
func WithStatusLogger(logger *slog.Logger) StatusStoreOption {
	return func(s *StatusStore) { s.logger = logger }
}

// NewStatusStore returns a store over conn.
func NewStatusStore(conn *Connection, opts ...StatusStoreOption) (*StatusStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: connection is nil", ErrStatusStoreFailed)
	}

	host, _ := os.Hostname()

	s := &StatusStore{conn: conn, logger: slog.Default(), host: host, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Begin opens the transaction that will hold a submission's "submitting" rows.
func (s *StatusStore) Begin(ctx context.Context) (*SubmissionTx, error) {
	var tx *sql.Tx

	err := s.conn.WithRetry(ctx, func() error {
		var err error

		tx, err = s.conn.BeginTx(ctx, nil)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", ErrStatusStoreFailed, err)
	}

	return &SubmissionTx{tx: tx, store: s}, nil
}

// InsertSubmitting inserts one "submitting" row per entry, all pointing at setup, and returns
// the new ids in input order.
func (t *SubmissionTx) InsertSubmitting(ctx context.Context, setup ProductionSetup, rows []StatusInsert) ([]int, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	position := make(map[string]int, len(rows))
	for i, r := range rows {
		if _, dup := position[r.DstFile]; dup {
			return nil, fmt.Errorf("%w: duplicate dstfile %s in one submission", ErrStatusStoreFailed, r.DstFile)
		}

		position[r.DstFile] = i
	}

	ids := make([]int, len(rows))
	now := t.store.now().UTC()

	for start := 0; start < len(rows); start += insertChunkSize {
		end := min(start+insertChunkSize, len(rows))

		query, args := buildSubmittingInsert(rows[start:end], setup.ID, now, t.store.host)

		result, err := t.tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("%w: insert submitting: %w", ErrStatusStoreFailed, err)
		}

		for result.Next() {
			var (
				id      int
				dstfile string
			)

			if err := result.Scan(&id, &dstfile); err != nil {
				_ = result.Close()

				return nil, fmt.Errorf("%w: scan inserted id: %w", ErrStatusStoreFailed, err)
			}

			ids[position[dstfile]] = id
		}

		err = errors.Join(result.Err(), result.Close())
		if err != nil {
			return nil, fmt.Errorf("%w: insert submitting: %w", ErrStatusStoreFailed, err)
		}
	}

	return ids, nil
}

func buildSubmittingInsert(rows []StatusInsert, prodID int, now time.Time, host string) (string, []any) {
	const perRow = 11

	var sb strings.Builder

	sb.WriteString(`INSERT INTO production_status
		(dsttype, dstname, dstfile, run, segment, nsegments, inputs, ranges, prod_id,
		 cluster, process, status, submitting, submission_host)
		VALUES `)

	args := make([]any, 0, len(rows)*perRow)

	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}

		n := i * perRow
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, 0, 0, 'submitting', $%d, $%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9, n+10, n+11)

		args = append(args, r.DstType, r.DstName, r.DstFile, r.Run, r.Segment, r.NSegments,
			r.Inputs, r.Ranges, prodID, now, host)
	}

	sb.WriteString(" RETURNING id, dstfile")

	return sb.String(), args
}

// Commit makes the submission's rows visible.
func (t *SubmissionTx) Commit() error {
	if t.done {
		return nil
	}

	t.done = true

	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrStatusStoreFailed, err)
	}

	return nil
}

// Rollback discards the submission's rows. It is a no-op after Commit.
func (t *SubmissionTx) Rollback() error {
	if t.done {
		return nil
	}

	t.done = true

	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: rollback: %w", ErrStatusStoreFailed, err)
	}

	return nil
}

// UpdateSubmitted records cluster/process ids and moves rows to "submitted". Rows a worker
// already advanced to "started" or later are left untouched.
func (s *StatusStore) UpdateSubmitted(ctx context.Context, updates []SubmittedUpdate) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(updates))
	clusters := make([]int64, len(updates))
	processes := make([]int64, len(updates))

	for i, u := range updates {
		ids[i], clusters[i], processes[i] = int64(u.ID), int64(u.Cluster), int64(u.Process)
	}

	query := `
		UPDATE production_status AS ps
		SET status = 'submitted', cluster = u.cluster, process = u.process, submitted = $4
		FROM unnest($1::int[], $2::int[], $3::int[]) AS u(id, cluster, process)
		WHERE ps.id = u.id AND ps.status < 'started'`

	return s.exec(ctx, "update submitted", query,
		pq.Int64Array(ids), pq.Int64Array(clusters), pq.Int64Array(processes), s.now().UTC())
}

// MarkHeld moves rows to "held" with the scheduler's hold reason and the time the hold began.
func (s *StatusStore) MarkHeld(ctx context.Context, updates []HeldUpdate) (int64, error) {
	var total int64

	for _, u := range updates {
		n, err := s.exec(ctx, "mark held", `
			UPDATE production_status
			SET status = 'held', flags = $2, message = $3, ended = $4
			WHERE id = $1 AND status::text = ANY($5)`,
			u.ID, HeldFlag, u.Message, u.Ended.UTC(), pq.StringArray(activeForHold))
		if err != nil {
			return total, err
		}

		total += n
	}

	return total, nil
}

// MarkFailed moves rows to "failed" with reason.
func (s *StatusStore) MarkFailed(ctx context.Context, ids []int, reason string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	return s.exec(ctx, "mark failed", `
		UPDATE production_status
		SET status = 'failed', message = $2, ended = $3
		WHERE id = ANY($1) AND status::text = ANY($4)`,
		pq.Int64Array(toInt64s(ids)), reason, at.UTC(), pq.StringArray(activeForHold))
}

// LatestStatus returns the newest row for dstName/run/segment, or ErrNotFound.
func (s *StatusStore) LatestStatus(ctx context.Context, dstName string, run, segment int) (*ProductionStatus, error) {
	rows, err := s.query(ctx, `SELECT `+statusColumns+` FROM production_status
		WHERE dstname = $1 AND run = $2 AND segment = $3
		ORDER BY id DESC LIMIT 1`, dstName, run, segment)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: status for %s run %d segment %d", ErrNotFound, dstName, run, segment)
	}

	return &rows[0], nil
}

// LatestID returns the id of the newest row for dstName/run/segment. Another process may
// insert a newer row at any moment, so the result is only a fallback for when the id
// returned by InsertSubmitting is unavailable.
func (s *StatusStore) LatestID(ctx context.Context, dstName string, run, segment int) (int, error) {
	st, err := s.LatestStatus(ctx, dstName, run, segment)
	if err != nil {
		return 0, err
	}

	return st.ID, nil
}

// IDByJob returns the id of the row that recorded scheduler job cluster.process. Cluster
// ids are only unique within one schedd, so rows submitted from other hosts are ignored.
// Failed rows are skipped.
func (s *StatusStore) IDByJob(ctx context.Context, cluster, process int) (int, error) {
	if cluster <= 0 {
		return 0, fmt.Errorf("%w: job %d.%d", ErrNotFound, cluster, process)
	}

	var ids []int

	err := s.conn.WithRetry(ctx, func() error {
		ids = ids[:0]

		rows, err := s.conn.QueryContext(ctx, `SELECT id FROM production_status
			WHERE cluster = $1 AND process = $2 AND submission_host = $3 AND status <> 'failed'
			ORDER BY id LIMIT 2`, cluster, process, s.host)
		if err != nil {
			return err
		}

		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var id int
			if err := rows.Scan(&id); err != nil {
				return err
			}

			ids = append(ids, id)
		}

		return rows.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("%w: id by job: %w", ErrStatusStoreFailed, err)
	}

	switch len(ids) {
	case 0:
		return 0, fmt.Errorf("%w: job %d.%d", ErrNotFound, cluster, process)
	case 1:
		return ids[0], nil
	default:
		return 0, fmt.Errorf("%w: job %d.%d", ErrAmbiguousJob, cluster, process)
	}
}

// StatusByFile returns all rows of the given productions in [runMin, runMax], keyed by
// dstfile and ordered newest first.
func (s *StatusStore) StatusByFile(ctx context.Context, dstNames []string, runMin, runMax int) (map[string][]ProductionStatus, error) {
	result := make(map[string][]ProductionStatus)
	if len(dstNames) == 0 {
		return result, nil
	}

	rows, err := s.query(ctx, `SELECT `+statusColumns+` FROM production_status
		WHERE dstname = ANY($1) AND run BETWEEN $2 AND $3
		ORDER BY id DESC`, pq.StringArray(dstNames), runMin, runMax)
	if err != nil {
		return nil, err
	}

	for _, r := range rows {
		result[r.DstFile] = append(result[r.DstFile], r)
	}

	return result, nil
}

// DeleteByID removes rows by id.
func (s *StatusStore) DeleteByID(ctx context.Context, ids []int) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	return s.exec(ctx, "delete by id", `DELETE FROM production_status WHERE id = ANY($1)`, pq.Int64Array(toInt64s(ids)))
}

// Unblock removes the rows of dstName in [runMin, runMax] whose status is one of statuses.
func (s *StatusStore) Unblock(ctx context.Context, dstName string, statuses []Status, runMin, runMax int) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	n, err := s.exec(ctx, "unblock", `DELETE FROM production_status
		WHERE dstname = $1 AND status::text = ANY($2) AND run BETWEEN $3 AND $4`,
		dstName, pq.StringArray(names), runMin, runMax)
	if err == nil {
		s.logger.Info("Removed blocking status rows",
			slog.String("dstname", dstName),
			slog.Any("statuses", names),
			slog.Int("run_min", runMin),
			slog.Int("run_max", runMax),
			slog.Int64("rows", n))
	}

	return n, err
}

// RunningRuns returns the distinct runs that still have a non-terminal row, over every
// dst type matching the regular expression dstTypeExpr.
func (s *StatusStore) RunningRuns(ctx context.Context, dstTypeExpr string) ([]int, error) {
	var runs []int

	err := s.conn.WithRetry(ctx, func() error {
		runs = runs[:0]

		rows, err := s.conn.QueryContext(ctx, `SELECT DISTINCT run FROM production_status
			WHERE dsttype ~ $1 AND status < 'evicted' ORDER BY run`, dstTypeExpr)
		if err != nil {
			return err
		}

		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var run int
			if err := rows.Scan(&run); err != nil {
				return err
			}

			runs = append(runs, run)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: running runs: %w", ErrStatusStoreFailed, err)
	}

	return runs, nil
}

func (s *StatusStore) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	var affected int64

	err := s.conn.WithRetry(ctx, func() error {
		res, err := s.conn.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}

		affected, err = res.RowsAffected()

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrStatusStoreFailed, op, err)
	}

	return affected, nil
}

func (s *StatusStore) query(ctx context.Context, query string, args ...any) ([]ProductionStatus, error) {
	var out []ProductionStatus

	err := s.conn.WithRetry(ctx, func() error {
		out = out[:0]

		rows, err := s.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}

		defer func() { _ = rows.Close() }()

		for rows.Next() {
			st, err := scanStatus(rows)
			if err != nil {
				return err
			}

			out = append(out, st)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: query status: %w", ErrStatusStoreFailed, err)
	}

	return out, nil
}

func scanStatus(rows *sql.Rows) (ProductionStatus, error) {
	var (
		st                                             ProductionStatus
		status                                         string
		submitting, submitted, started, running, ended sql.NullTime
		exitCode                                       sql.NullInt64
	)

	err := rows.Scan(&st.ID, &st.DstType, &st.DstName, &st.DstFile, &st.Run, &st.Segment, &st.NSegments,
		&st.Inputs, &st.Ranges, &st.ProdID, &st.Cluster, &st.Process, &status,
		&submitting, &submitted, &started, &running, &ended,
		&st.SubmissionHost, &st.ExecutionNode, &st.Message, &st.Flags, &exitCode, &st.NEvents, &st.LogSize)
	if err != nil {
		return st, err
	}

	st.Status = Status(status)
	st.Submitting = nullTime(submitting)
	st.Submitted = nullTime(submitted)
	st.Started = nullTime(started)
	st.Running = nullTime(running)
	st.Ended = nullTime(ended)

	if exitCode.Valid {
		code := int(exitCode.Int64)
		st.ExitCode = &code
	}

	return st, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	v := t.Time

	return &v
}

func toInt64s(ids []int) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}

	return out
}
