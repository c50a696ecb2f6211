// Package service owns the submission lifecycle: creating records,
// scheduling judge tasks for them and resetting or canceling them.
package service

import (
	"context"
	"fmt"
	"time"

	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/priority"
	"judgeflow/internal/judge/repository"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// SubmissionType selects the base priority and flags of a new record.
type SubmissionType string

const (
	TypeJudge   SubmissionType = "judge"
	TypeRejudge SubmissionType = "rejudge"
	TypeContest SubmissionType = "contest"
	TypePretest SubmissionType = "pretest"
	TypeHack    SubmissionType = "hack"
)

// PretestContest marks self tests, which never go to a remote judge.
const PretestContest = "000000000000000000000000"

// Submission is a request to create a record.
type Submission struct {
	DomainID string         `json:"domainId"`
	PID      int64          `json:"pid"`
	UID      int64          `json:"uid"`
	Lang     string         `json:"lang"`
	Code     string         `json:"code"`
	Contest  string         `json:"contest,omitempty"`
	Input    string         `json:"input,omitempty"`
	Type     SubmissionType `json:"type,omitempty"`
}

// TaskQueue is the part of the queue the service writes to.
type TaskQueue interface {
	Enqueue(ctx context.Context, tasks ...*model.Task) error
	DeleteByRecord(ctx context.Context, recordIDs ...string) (int, error)
}

// Broadcaster fans out record changes made outside the judge flow.
type Broadcaster interface {
	Broadcast(ctx context.Context, change model.RecordChange)
}

// Config wires a RecordService.
type Config struct {
	Store       repository.RecordStore
	Queue       TaskQueue
	Problems    ProblemSource
	Priority    *priority.Estimator
	Broadcaster Broadcaster
}

// RecordService creates, schedules, resets and cancels records.
type RecordService struct {
	store     repository.RecordStore
	queue     TaskQueue
	problems  ProblemSource
	priority  *priority.Estimator
	broadcast Broadcaster
}

func NewRecordService(cfg Config) (*RecordService, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("task queue is required")
	}
	if cfg.Problems == nil {
		return nil, fmt.Errorf("problem source is required")
	}
	est := cfg.Priority
	if est == nil {
		est = priority.NewEstimator(cfg.Store, 0)
	}
	return &RecordService{
		store:     cfg.Store,
		queue:     cfg.Queue,
		problems:  cfg.Problems,
		priority:  est,
		broadcast: cfg.Broadcaster,
	}, nil
}

// Add stores a new waiting record and, with addTask, schedules it.
func (s *RecordService) Add(ctx context.Context, sub Submission, addTask bool) (*model.Record, error) {
	if err := validateSubmission(sub); err != nil {
		return nil, err
	}
	typ := sub.Type
	if typ == "" {
		typ = TypeJudge
	}
	rec := &model.Record{
		DomainID: sub.DomainID,
		PID:      sub.PID,
		UID:      sub.UID,
		Lang:     sub.Lang,
		Code:     sub.Code,
		Status:   model.StatusWaiting,
		Contest:  sub.Contest,
	}
	switch typ {
	case TypeRejudge:
		rec.Rejudged = true
		typ = TypeJudge
	case TypePretest:
		rec.Input = sub.Input
		rec.Contest = PretestContest
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	logger.Info(ctx, "record created", zap.String("rid", rec.ID), zap.String("domain", rec.DomainID),
		zap.Int64("pid", rec.PID), zap.String("type", string(typ)))
	s.notify(ctx, rec, "add")
	if !addTask {
		return rec, nil
	}

	base := priority.BaseNormal
	switch typ {
	case TypePretest, TypeHack:
		base = priority.BasePretest
	case TypeContest:
		base = priority.BaseContest
	}
	prio, err := s.priority.ComputePriority(ctx, sub.UID, base)
	if err != nil {
		return rec, err
	}
	var opts JudgeOptions
	if typ == TypeContest {
		opts.Detail = model.Ptr(false)
	}
	opts.Meta.Rejudge = rec.Rejudged
	if _, err := s.Judge(ctx, rec.DomainID, []string{rec.ID}, prio, opts); err != nil {
		return rec, err
	}
	return rec, nil
}

func validateSubmission(sub Submission) error {
	switch {
	case sub.DomainID == "":
		return appErr.ValidationError("domainId", "required")
	case sub.PID <= 0:
		return appErr.ValidationError("pid", "required")
	case sub.Lang == "":
		return appErr.ValidationError("lang", "required")
	case sub.Code == "":
		return appErr.ValidationError("code", "required")
	}
	switch sub.Type {
	case "", TypeJudge, TypeRejudge, TypeContest, TypePretest, TypeHack:
		return nil
	}
	return appErr.ValidationError("type", "unknown submission type "+string(sub.Type))
}

// JudgeOptions adjust the tasks created by Judge.
type JudgeOptions struct {
	// Detail overrides whether case messages are shown.
	Detail *bool
	Meta   model.JudgeMeta
}

// Judge replaces the queued tasks of rids with fresh ones built from the
// problem of the first record. It returns how many tasks were queued and
// 0 when the first record does not exist.
func (s *RecordService) Judge(ctx context.Context, domainID string, rids []string, prio int, opts JudgeOptions) (int, error) {
	if len(rids) == 0 {
		return 0, nil
	}
	rec, err := s.store.Get(ctx, domainID, rids[0])
	if err != nil {
		if appErr.Is(err, appErr.RecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if domainID == "" {
		domainID = rec.DomainID
	}
	if _, err := s.queue.DeleteByRecord(ctx, rids...); err != nil {
		return 0, err
	}
	p, err := s.problems.Problem(ctx, rec.DomainID, rec.PID)
	if err != nil {
		return 0, err
	}
	if p.Reference != nil {
		if p, err = s.problems.Problem(ctx, p.Reference.DomainID, p.Reference.PID); err != nil {
			return 0, err
		}
	}

	meta := opts.Meta
	meta.ProblemOwner = p.Owner
	taskType := model.TaskTypeJudge
	if p.Config.Type == model.ProblemTypeRemote && rec.Contest != PretestContest {
		taskType = model.TaskTypeRemoteJudge
	}
	cfg := p.Config
	if opts.Detail != nil {
		cfg.Detail = opts.Detail
	}

	tasks := make([]*model.Task, 0, len(rids))
	for _, rid := range rids {
		tasks = append(tasks, &model.Task{
			Type:     taskType,
			Priority: prio,
			RecordID: rid,
			DomainID: domainID,
			Source:   p.Source(),
			Config:   cfg,
			Data:     append([]model.FileInfo(nil), p.Data...),
			Meta:     meta,
		})
	}
	if err := s.queue.Enqueue(ctx, tasks...); err != nil {
		return 0, err
	}
	logger.Info(ctx, "judge tasks queued", zap.Int("count", len(tasks)), zap.Int("priority", prio),
		zap.String("type", taskType), zap.String("source", p.Source()))
	return len(tasks), nil
}

// Reset drops the queued tasks of rid and clears its judge output.
func (s *RecordService) Reset(ctx context.Context, domainID, rid string, isRejudge bool) (*model.Record, error) {
	if _, err := s.queue.DeleteByRecord(ctx, rid); err != nil {
		return nil, err
	}
	upd := model.RecordUpdate{
		Unset: true,
		Set: model.RecordSet{
			Status:  model.Ptr(model.StatusWaiting),
			Judger:  model.Ptr(""),
			JudgeAt: model.Ptr(time.Time{}),
		},
	}
	if isRejudge {
		upd.Set.Rejudged = model.Ptr(true)
	}
	rec, err := s.store.Update(ctx, domainID, rid, upd, model.UpdateCondition{})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, rec, "reset")
	return rec, nil
}

// Rejudge resets rid and schedules it again at rejudge priority.
func (s *RecordService) Rejudge(ctx context.Context, domainID, rid string) (*model.Record, error) {
	rec, err := s.Reset(ctx, domainID, rid, true)
	if err != nil {
		return nil, err
	}
	prio, err := s.priority.ComputePriority(ctx, rec.UID, priority.BaseRejudge)
	if err != nil {
		return rec, err
	}
	if _, err := s.Judge(ctx, domainID, []string{rid}, prio, JudgeOptions{Meta: model.JudgeMeta{Rejudge: true}}); err != nil {
		return rec, err
	}
	return rec, nil
}

// Cancel stops rid: its tasks are removed and the record is marked
// canceled with message recorded as a judge text.
func (s *RecordService) Cancel(ctx context.Context, domainID, rid, message string) (*model.Record, error) {
	if _, err := s.queue.DeleteByRecord(ctx, rid); err != nil {
		return nil, err
	}
	upd := model.RecordUpdate{
		Set: model.RecordSet{
			Status:   model.Ptr(model.StatusCanceled),
			Score:    model.Ptr(0),
			Progress: model.Ptr(0.0),
		},
		Push: model.RecordPush{
			TestCases: []model.TestCase{{Status: model.StatusCanceled, Message: "score canceled"}},
		},
	}
	if message != "" {
		upd.Push.JudgeTexts = []string{message}
	}
	rec, err := s.store.Update(ctx, domainID, rid, upd, model.UpdateCondition{})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "record canceled", zap.String("rid", rid), zap.String("message", message))
	s.notify(ctx, rec, "cancel")
	return rec, nil
}

// Get returns one record.
func (s *RecordService) Get(ctx context.Context, domainID, rid string) (*model.Record, error) {
	return s.store.Get(ctx, domainID, rid)
}

func (s *RecordService) notify(ctx context.Context, rec *model.Record, reason string) {
	if s.broadcast == nil {
		return
	}
	s.broadcast.Broadcast(ctx, model.RecordChange{Record: rec, Reason: reason})
}
