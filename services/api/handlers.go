package api

import (
	"errors"
	"net/http"
	"strings"

	"alertrelay/pkg/bus"
	"alertrelay/services/credentials"
)

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	id := strings.TrimSpace(req.Identifier)
	if id == "" {
		respondError(w, http.StatusBadRequest, errors.New("identifier is required"))
		return
	}

	if !a.deps.Sessions.RegisterActive(r.Context(), id, nil) {
		respondError(w, http.StatusNotFound, errors.New("unknown identifier"))
		return
	}

	user := User{Name: id}
	if strings.Contains(id, "@") {
		user.Email = id
	} else {
		user.Phone = id
	}
	respondJSON(w, http.StatusOK, user)
}

func (a *API) handleUsers(w http.ResponseWriter, _ *http.Request) {
	users := a.deps.Directory.Snapshot()
	respondJSON(w, http.StatusOK, UsersResponse{
		Users:       users,
		Count:       len(users),
		LastRefresh: a.deps.Directory.LastRefresh(),
	})
}

func (a *API) handleSessions(w http.ResponseWriter, _ *http.Request) {
	active := map[string]bool{}
	for _, id := range a.deps.Sessions.ListActive(a.cfg.InactivityThreshold) {
		active[id] = true
	}

	all := a.deps.Sessions.List()
	out := make([]SessionView, 0, len(all))
	for _, s := range all {
		out = append(out, SessionView{
			Identifier: s.Identifier,
			Watermark:  s.Watermark,
			LastSeen:   s.LastSeen,
			Active:     active[s.Identifier],
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (a *API) handleConnectionCheck(w http.ResponseWriter, r *http.Request) {
	var req []PhoneCheck
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("list of phones is required"))
		return
	}

	active := map[string]bool{}
	for _, id := range a.deps.Sessions.ListActive(a.cfg.InactivityThreshold) {
		active[id] = true
	}

	resp := ConnectionCheckResponse{Phones: make([]PhoneCheck, 0, len(req))}
	for _, in := range req {
		id := strings.TrimSpace(in.Email)
		if id == "" {
			id = strings.TrimSpace(in.PhoneNumber)
		}
		out := PhoneCheck{Email: in.Email, PhoneNumber: in.PhoneNumber, Check: CheckUnknown}
		switch {
		case id == "" || !a.deps.Directory.Contains(id):
		case active[strings.ToLower(id)]:
			out.Check = CheckNotification
		default:
			out.Check = CheckNone
		}
		resp.Phones = append(resp.Phones, out)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleTokenStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, TokenStatus{IsConfigured: a.deps.Credentials.IsConfigured()})
}

func (a *API) handleSetToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		respondError(w, http.StatusBadRequest, errors.New("token is required"))
		return
	}

	if err := a.deps.Credentials.Set(r.Context(), req.Token); err != nil {
		if errors.Is(err, credentials.ErrInvalidToken) {
			respondError(w, http.StatusBadRequest, errors.New("invalid token or directory api unreachable"))
			return
		}
		a.log.Error().Err(err).Msg("store api token")
		respondError(w, http.StatusInternalServerError, errors.New("token verified but could not be saved"))
		return
	}
	respondMessage(w, http.StatusOK, "token verified and saved")
}

func (a *API) handleDaemonStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, a.deps.Daemon.Status())
}

func (a *API) handleDaemonStart(w http.ResponseWriter, _ *http.Request) {
	a.deps.Daemon.Start()
	respondMessage(w, http.StatusOK, "daemon started")
}

func (a *API) handleDaemonStop(w http.ResponseWriter, _ *http.Request) {
	a.deps.Daemon.Stop()
	respondMessage(w, http.StatusOK, "daemon stopped")
}

func (a *API) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	topic := strings.ReplaceAll(strings.TrimSpace(req.Topic), ".", "/")
	if topic == "" || len(req.Message) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("topic and message are required"))
		return
	}

	if err := a.deps.Publisher.Publish(r.Context(), topic, req.Message); err != nil {
		if errors.Is(err, bus.ErrInvalidTopic) {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		a.log.Error().Err(err).Str("topic", topic).Msg("publish notification")
		respondError(w, http.StatusBadGateway, errors.New("publish failed"))
		return
	}
	respondMessage(w, http.StatusOK, "notification queued")
}
