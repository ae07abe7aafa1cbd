// Package ledger keeps the answer history of one session.
//
// A Ledger is not safe for concurrent use on its own; the owning session
// serializes access under its lock.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/stemsi/exstem-assessment/internal/model"
)

// Ledger is an append-only per-question answer store.
type Ledger struct {
	order   []string
	history map[string][]model.AnswerRecord
	frozen  bool
}

// New creates an empty ledger for the given question order.
func New(order []string) *Ledger {
	return &Ledger{
		order:   append([]string(nil), order...),
		history: make(map[string][]model.AnswerRecord, len(order)),
	}
}

// Put appends a new revision for questionID and returns its number.
// Membership and shape checks belong to the caller.
func (l *Ledger) Put(questionID string, value model.AnswerValue, at time.Time) (int, error) {
	if l.frozen {
		return 0, fmt.Errorf("ledger frozen: %w", model.ErrInvalidState)
	}

	revs := l.history[questionID]
	next := 1
	if n := len(revs); n > 0 {
		next = revs[n-1].Revision + 1
	}
	rec := model.AnswerRecord{
		QuestionID: questionID,
		Value:      cloneValue(value),
		RecordedAt: at,
		Revision:   next,
	}
	l.history[questionID] = append(revs, rec)
	return rec.Revision, nil
}

// Get returns the latest revision for questionID.
func (l *Ledger) Get(questionID string) (model.AnswerRecord, bool) {
	revs := l.history[questionID]
	if len(revs) == 0 {
		return model.AnswerRecord{}, false
	}
	return revs[len(revs)-1], true
}

// Snapshot returns the latest revision of every answered question, in
// question order. Superseded revisions are excluded.
func (l *Ledger) Snapshot() []model.AnswerRecord {
	out := make([]model.AnswerRecord, 0, len(l.history))
	for _, qid := range l.order {
		if rec, ok := l.Get(qid); ok {
			out = append(out, rec)
		}
	}
	return out
}

// History returns every revision of questionID, oldest first.
func (l *Ledger) History(questionID string) []model.AnswerRecord {
	return append([]model.AnswerRecord(nil), l.history[questionID]...)
}

// All returns the full history of every question, in question order.
func (l *Ledger) All() []model.AnswerRecord {
	var out []model.AnswerRecord
	for _, qid := range l.order {
		out = append(out, l.history[qid]...)
	}
	return out
}

// AnsweredCount is the number of questions with at least one revision.
func (l *Ledger) AnsweredCount() int {
	return len(l.history)
}

// Freeze rejects all further puts.
func (l *Ledger) Freeze() { l.frozen = true }

// Frozen reports whether Freeze was called.
func (l *Ledger) Frozen() bool { return l.frozen }

// Restore loads persisted revisions. Records may arrive in any order and may
// contain replays; only one record per (question, revision) is kept.
func (l *Ledger) Restore(records []model.AnswerRecord) {
	byQuestion := make(map[string]map[int]model.AnswerRecord)
	for _, r := range records {
		revs, ok := byQuestion[r.QuestionID]
		if !ok {
			revs = make(map[int]model.AnswerRecord)
			byQuestion[r.QuestionID] = revs
		}
		revs[r.Revision] = r
	}

	for qid, revs := range byQuestion {
		list := make([]model.AnswerRecord, 0, len(revs))
		for _, r := range revs {
			list = append(list, r)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Revision < list[j].Revision })
		l.history[qid] = list
	}
}

func cloneValue(v model.AnswerValue) model.AnswerValue {
	if v.SelectedOptionIDs != nil {
		v.SelectedOptionIDs = append([]string(nil), v.SelectedOptionIDs...)
	}
	return v
}
