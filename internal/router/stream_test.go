package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/response"
	"github.com/stemsi/exstem-assessment/internal/service"
	ws "github.com/stemsi/exstem-assessment/internal/websocket"
)

// streamEvent is the union of every server event used by the tests.
type streamEvent struct {
	Event     ws.Event         `json:"event"`
	RequestID string           `json:"request_id"`
	Revision  int              `json:"revision"`
	Stored    bool             `json:"stored"`
	Score     model.Score      `json:"score"`
	Status    model.StatusView `json:"status"`
	Code      response.ErrCode `json:"code"`
}

func (s *testServer) dial(t *testing.T, ts *httptest.Server, sessionID, examinee string) *websocket.Conn {
	t.Helper()
	tok, err := s.auth.GenerateToken(service.TokenTypeExaminee, examinee, "", 0)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/v1/sessions/" + sessionID + "/stream?token=" + tok
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next returns the next event of type want, skipping countdown pushes.
func next(t *testing.T, conn *websocket.Conn, want ws.Event) streamEvent {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var ev streamEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Event == want {
			return ev
		}
		require.Equal(t, ws.EventStatus, ev.Event, "unexpected %s event (code %s)", ev.Event, ev.Code)
	}
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestSessionStream(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.engine)
	defer ts.Close()

	id := srv.createSession(t, "dana")
	conn := srv.dial(t, ts, id, "dana")

	first := next(t, conn, ws.EventStatus)
	assert.Equal(t, model.SessionStatusInProgress, first.Status.Status)
	assert.Equal(t, 1, first.Status.TotalQuestions)

	// Autosave keeps every revision.
	for i, option := range []string{"b", "a"} {
		send(t, conn, map[string]any{"action": "autosave", "request_id": option, "question_id": "q1", "selected_option_ids": []string{option}})
		saved := next(t, conn, ws.EventSaved)
		assert.Equal(t, option, saved.RequestID)
		assert.Equal(t, i+1, saved.Revision)
	}

	send(t, conn, map[string]any{"action": "integrity", "request_id": "i1", "kind": model.IntegrityFullscreenExit})
	recorded := next(t, conn, ws.EventRecorded)
	assert.True(t, recorded.Stored)

	// A retried submit returns the same score.
	send(t, conn, map[string]any{"action": "submit", "request_id": "s1"})
	graded := next(t, conn, ws.EventGraded)
	assert.Equal(t, 100.0, graded.Score.Percentage)

	send(t, conn, map[string]any{"action": "submit", "request_id": "s2"})
	again := next(t, conn, ws.EventGraded)
	assert.Equal(t, "s2", again.RequestID)
	assert.Equal(t, graded.Score, again.Score)

	send(t, conn, map[string]any{"action": "autosave", "request_id": "late", "question_id": "q1", "selected_option_ids": []string{"b"}})
	rejected := next(t, conn, ws.EventError)
	assert.Equal(t, response.ErrInvalidState, rejected.Code)

	w := srv.do(t, http.MethodGet, "/api/v1/proctor/sessions/"+id+"/answers/q1/history", nil, service.TokenTypeProctor, "pat")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var history struct {
		Data struct {
			Revisions []model.AnswerRecord `json:"revisions"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history.Data.Revisions, 2)
}

func TestSessionStreamPushesFinalizedOnTimeout(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.engine)
	defer ts.Close()

	id := srv.createSession(t, "erin")
	conn := srv.dial(t, ts, id, "erin")
	next(t, conn, ws.EventStatus)

	srv.clock.Advance(601 * time.Second)
	require.Equal(t, 1, srv.sched.ExpireDue(context.Background()))

	final := next(t, conn, ws.EventFinalized)
	assert.Equal(t, model.SessionStatusTimedOut, final.Status.Status)
	assert.Zero(t, final.Status.RemainingSeconds)
}

func TestSessionStreamRejectsForeignExaminee(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.engine)
	defer ts.Close()

	id := srv.createSession(t, "frank")
	tok, err := srv.auth.GenerateToken(service.TokenTypeExaminee, "mallory", "", 0)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/v1/sessions/" + id + "/stream?token=" + tok
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
