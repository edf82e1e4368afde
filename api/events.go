package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/stream"
)

// session is one connected SSE client. It is created when the client
// connects and disposed when it disconnects or the API closes.
type session struct {
	id       string
	flowName string
	runID    string
	opened   time.Time
	sub      stream.Subscription

	// seen holds the log ids already written, so a record both replayed
	// from the log and delivered live is sent once.
	seen map[string]struct{}
}

func (s *session) markSent(rec *event.Record) bool {
	if rec.ID == "" {
		return true
	}
	if _, ok := s.seen[rec.ID]; ok {
		return false
	}
	s.seen[rec.ID] = struct{}{}
	return true
}

type sessions struct {
	mu sync.Mutex
	m  map[string]*session
}

func newSessions() *sessions {
	return &sessions{m: make(map[string]*session)}
}

func (ss *sessions) add(s *session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.m[s.id] = s
}

func (ss *sessions) remove(id string) {
	ss.mu.Lock()
	s, ok := ss.m[id]
	delete(ss.m, id)
	ss.mu.Unlock()
	if ok {
		s.sub.Unsubscribe()
	}
}

func (ss *sessions) closeAll() {
	ss.mu.Lock()
	all := make([]*session, 0, len(ss.m))
	for id, s := range ss.m {
		all = append(all, s)
		delete(ss.m, id)
	}
	ss.mu.Unlock()
	for _, s := range all {
		s.sub.Unsubscribe()
	}
}

func (ss *sessions) len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.m)
}

// handleTail streams the records of a run as server-sent events. The
// stored log is replayed first, from after Last-Event-ID when the client
// sends one. The stream ends after the run's terminal record.
func (a *API) handleTail(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ctx := r.Context()
	vars := mux.Vars(r)
	flowName, runID := vars["flow"], vars["runId"]

	// Subscribe before reading the log so nothing falls between the two.
	sub, err := a.eng.Subscribe(ctx, stream.RunTopic(runID))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	sess := &session{
		id:       sub.ID(),
		flowName: flowName,
		runID:    runID,
		opened:   time.Now(),
		sub:      sub,
		seen:     make(map[string]struct{}),
	}
	a.sessions.add(sess)
	defer a.sessions.remove(sess.id)

	view, err := a.eng.Run(ctx, flowName, runID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	a.logger.Debug("tail session opened",
		slog.String("session", sess.id),
		slog.String("flow", flowName),
		slog.String("run_id", runID),
	)
	defer func() {
		a.logger.Debug("tail session closed",
			slog.String("session", sess.id),
			slog.Duration("open_for", time.Since(sess.opened)),
		)
	}()

	lastID := r.Header.Get("Last-Event-ID")
	skipping := lastID != ""
	for _, rec := range view.Events {
		if skipping {
			sess.markSent(rec)
			skipping = rec.ID != lastID
			continue
		}
		if !sess.markSent(rec) {
			continue
		}
		if err := writeEvent(w, rec); err != nil {
			return
		}
	}
	flusher.Flush()
	if view.Entry.Metadata.Status.IsTerminal() {
		return
	}

	heartbeat := time.NewTicker(a.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case rec, ok := <-sub.C():
			if !ok {
				return
			}
			if !sess.markSent(rec) {
				continue
			}
			if err := writeEvent(w, rec); err != nil {
				return
			}
			flusher.Flush()
			if rec.Type.IsTerminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rec *event.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if rec.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", rec.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", rec.Type, data)
	return err
}
