package control

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/zsiec/avfeed/internal/ingest"
	"github.com/zsiec/avfeed/internal/ingest/srt"
	"github.com/zsiec/avfeed/internal/player"
	"github.com/zsiec/avfeed/internal/session"
)

// maxBodyBytes bounds control request bodies.
const maxBodyBytes = 4 << 10

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := s.cfg.Sessions.Get(r.PathValue("key"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	resp := s.cfg.Sessions.List()
	if resp == nil {
		resp = make([]session.Info, 0)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

// handlePause sets the pause state from {"paused": bool}, or toggles it
// when the body is empty.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Paused *bool `json:"paused"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	paused := !sess.Player.Status().UserPaused
	if req.Paused != nil {
		paused = *req.Paused
	}
	sess.Player.Pause(paused)
	s.log.Info("pause", "key", sess.Key, "paused", paused)
	writeJSON(w, http.StatusOK, sess.Player.Status())
}

// handleSeek accepts {"position": "1m30s"} or {"positionMs": 90000}.
func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Position   string `json:"position"`
		PositionMs *int64 `json:"positionMs"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var pos time.Duration
	switch {
	case req.Position != "":
		d, err := time.ParseDuration(req.Position)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid position: "+err.Error())
			return
		}
		pos = d
	case req.PositionMs != nil:
		pos = time.Duration(*req.PositionMs) * time.Millisecond
	default:
		writeError(w, http.StatusBadRequest, "position or positionMs is required")
		return
	}
	if pos < 0 {
		writeError(w, http.StatusBadRequest, "position must not be negative")
		return
	}

	if err := sess.Player.Seek(pos); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, player.ErrNotSeekable) || errors.Is(err, player.ErrStopped) {
			code = http.StatusConflict
		}
		writeError(w, code, err.Error())
		return
	}
	s.log.Info("seek", "key", sess.Key, "pos", pos)
	writeJSON(w, http.StatusOK, sess.Player.Status())
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Player.StepFrame()
	writeJSON(w, http.StatusOK, sess.Player.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Player.Stop()
	s.log.Info("stop", "key", sess.Key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "key": sess.Key})
}

func (s *Server) handleListFeeds(w http.ResponseWriter, _ *http.Request) {
	var resp []ingest.FeedStats
	if s.cfg.Feeds != nil {
		resp = s.cfg.Feeds()
	}
	if resp == nil {
		resp = make([]ingest.FeedStats, 0)
	}
	writeJSON(w, http.StatusOK, resp)
}

// SECURITY: the pull endpoint dials arbitrary addresses. Expose the control
// API to operators only.
func (s *Server) handlePullList(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.PullList == nil {
		writeJSON(w, http.StatusOK, []srt.PullRequest{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.PullList())
}

func (s *Server) handlePullCreate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Pull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req srt.PullRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.StreamKey == "" {
		writeError(w, http.StatusBadRequest, "address and streamKey are required")
		return
	}
	if err := s.cfg.Pull(req); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "streamKey": req.StreamKey})
}

func (s *Server) handlePullStop(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PullStop == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	key := r.PathValue("key")
	if err := s.cfg.PullStop(key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "streamKey": key})
}
