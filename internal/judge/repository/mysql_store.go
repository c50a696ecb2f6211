package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"judgeflow/internal/common/db"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"

	"github.com/google/uuid"
)

// RecordSchema creates the table used by MySQLStore.
const RecordSchema = `CREATE TABLE IF NOT EXISTS records (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	domain_id VARCHAR(64) NOT NULL,
	pid BIGINT NOT NULL,
	uid BIGINT NOT NULL,
	lang VARCHAR(32) NOT NULL,
	code MEDIUMTEXT NOT NULL,
	status INT NOT NULL,
	score INT NOT NULL DEFAULT 0,
	time_ms BIGINT NOT NULL DEFAULT 0,
	memory_kb BIGINT NOT NULL DEFAULT 0,
	progress DOUBLE NOT NULL DEFAULT 0,
	test_cases JSON NULL,
	judge_texts JSON NULL,
	compiler_texts JSON NULL,
	subtasks JSON NULL,
	contest VARCHAR(64) NOT NULL DEFAULT '',
	input MEDIUMTEXT NULL,
	judger VARCHAR(128) NOT NULL DEFAULT '',
	judge_at DATETIME(3) NULL,
	created_at DATETIME(3) NOT NULL,
	rejudged TINYINT(1) NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 1,
	KEY records_uid_created (uid, created_at)
)`

const recordColumns = "id, domain_id, pid, uid, lang, code, status, score, time_ms, memory_kb, progress, " +
	"test_cases, judge_texts, compiler_texts, subtasks, contest, input, judger, judge_at, created_at, rejudged, version"

// MySQLStore keeps records in MySQL with the list fields as JSON columns.
// Conditional updates lock the row inside a transaction.
type MySQLStore struct {
	db  db.Database
	now func() time.Time
}

var _ RecordStore = (*MySQLStore)(nil)

func NewMySQLStore(database db.Database) *MySQLStore {
	return &MySQLStore{db: database, now: time.Now}
}

// EnsureSchema creates the records table when it does not exist.
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, RecordSchema); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "create records table failed")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*model.Record, error) {
	var (
		rec                                       model.Record
		cases, judgeTexts, compilerTexts, subtask sql.NullString
		input                                     sql.NullString
		judgeAt                                   sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.DomainID, &rec.PID, &rec.UID, &rec.Lang, &rec.Code, &rec.Status, &rec.Score,
		&rec.Time, &rec.Memory, &rec.Progress, &cases, &judgeTexts, &compilerTexts, &subtask, &rec.Contest,
		&input, &rec.Judger, &judgeAt, &rec.CreatedAt, &rec.Rejudged, &rec.Version)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(cases, &rec.TestCases); err != nil {
		return nil, err
	}
	if err := decodeJSON(judgeTexts, &rec.JudgeTexts); err != nil {
		return nil, err
	}
	if err := decodeJSON(compilerTexts, &rec.CompilerTexts); err != nil {
		return nil, err
	}
	if err := decodeJSON(subtask, &rec.Subtasks); err != nil {
		return nil, err
	}
	rec.Input = input.String
	if judgeAt.Valid {
		rec.JudgeAt = judgeAt.Time
	}
	return &rec, nil
}

func decodeJSON(src sql.NullString, dst interface{}) error {
	if !src.Valid || src.String == "" || src.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}

func encodeJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *MySQLStore) Get(ctx context.Context, domainID, id string) (*model.Record, error) {
	return s.get(ctx, s.db, domainID, id, false)
}

func (s *MySQLStore) get(ctx context.Context, q db.Querier, domainID, id string, forUpdate bool) (*model.Record, error) {
	query := "SELECT " + recordColumns + " FROM records WHERE id = ?"
	args := []interface{}{id}
	if domainID != "" {
		query += " AND domain_id = ?"
		args = append(args, domainID)
	}
	if forUpdate {
		query += " FOR UPDATE"
	}
	rec, err := scanRecord(q.QueryRow(ctx, query, args...))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, recordNotFound(domainID, id)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load record failed")
	}
	return rec, nil
}

func (s *MySQLStore) Insert(ctx context.Context, rec *model.Record) error {
	if rec == nil {
		return appErr.ValidationError("record", "required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	args, err := recordArgs(rec)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "encode record failed")
	}
	query := "INSERT INTO records (" + recordColumns + ") VALUES (?" + strings.Repeat(", ?", len(args)-1) + ")"
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		if db.IsDuplicate(err) {
			return appErr.Newf(appErr.RecordAlreadyExists, "record %s already exists", rec.ID)
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "insert record failed")
	}
	return nil
}

func recordArgs(rec *model.Record) ([]interface{}, error) {
	cases, err := encodeJSON(rec.TestCases)
	if err != nil {
		return nil, err
	}
	judgeTexts, err := encodeJSON(rec.JudgeTexts)
	if err != nil {
		return nil, err
	}
	compilerTexts, err := encodeJSON(rec.CompilerTexts)
	if err != nil {
		return nil, err
	}
	subtasks, err := encodeJSON(rec.Subtasks)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		rec.ID, rec.DomainID, rec.PID, rec.UID, rec.Lang, rec.Code, rec.Status, rec.Score, rec.Time, rec.Memory,
		rec.Progress, cases, judgeTexts, compilerTexts, subtasks, rec.Contest, rec.Input, rec.Judger,
		nullTime(rec.JudgeAt), rec.CreatedAt, rec.Rejudged, rec.Version,
	}, nil
}

func (s *MySQLStore) Update(ctx context.Context, domainID, id string, upd model.RecordUpdate, cond model.UpdateCondition) (*model.Record, error) {
	var out *model.Record
	err := s.db.Transaction(ctx, func(tx db.Querier) error {
		rec, err := s.get(ctx, tx, domainID, id, true)
		if err != nil {
			return err
		}
		if !cond.Matches(rec) {
			return conditionError(rec, cond)
		}
		if upd.Empty() {
			out = rec
			return nil
		}
		prev := rec.Version
		upd.Apply(rec)
		args, err := recordArgs(rec)
		if err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "encode record failed")
		}
		// id stays first in recordArgs, move it to the WHERE clause
		query := "UPDATE records SET domain_id = ?, pid = ?, uid = ?, lang = ?, code = ?, status = ?, score = ?, " +
			"time_ms = ?, memory_kb = ?, progress = ?, test_cases = ?, judge_texts = ?, compiler_texts = ?, " +
			"subtasks = ?, contest = ?, input = ?, judger = ?, judge_at = ?, created_at = ?, rejudged = ?, version = ? " +
			"WHERE id = ? AND version = ?"
		args = append(args[1:], rec.ID, prev)
		res, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "update record failed")
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return appErr.Newf(appErr.VersionConflict, "record %s changed concurrently", id)
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MySQLStore) GetMulti(ctx context.Context, domainID string, q model.RecordQuery) ([]*model.Record, error) {
	query, args := buildListQuery(domainID, q)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list records failed")
	}
	defer rows.Close()
	var out []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan record failed")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list records failed")
	}
	return out, nil
}

func buildListQuery(domainID string, q model.RecordQuery) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if domainID != "" {
		where = append(where, "domain_id = ?")
		args = append(args, domainID)
	}
	if q.UID != 0 {
		where = append(where, "uid = ?")
		args = append(args, q.UID)
	}
	if !q.CreatedAfter.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.CreatedAfter)
	}
	if q.ExcludeRejudged {
		where = append(where, "rejudged = 0")
	}
	query := "SELECT " + recordColumns + " FROM records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return query, args
}
