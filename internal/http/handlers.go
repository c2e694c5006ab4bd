package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/example/order-dispatch/internal/directory"
	"github.com/example/order-dispatch/internal/dispatch"
	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/notify"
)

type Server struct {
	Directory   *directory.Directory
	Coordinator *dispatch.Coordinator
	Hub         *notify.Hub
	SweepBatch  int

	logger logrus.FieldLogger
	mux    *mux.Router
}

func NewServer(dir *directory.Directory, coord *dispatch.Coordinator, hub *notify.Hub, logger logrus.FieldLogger) *Server {
	s := &Server{Directory: dir, Coordinator: coord, Hub: hub, SweepBatch: 100, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/suborders/{id}", s.handleGetSubOrder).Methods(http.MethodGet)
	api.HandleFunc("/suborders/{id}/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/suborders/{id}/broadcast", s.handleBroadcast).Methods(http.MethodPost)

	// fixed paths before the {rider_id} routes
	api.HandleFunc("/riders/available", s.handleAvailableRiders).Methods(http.MethodGet)
	api.HandleFunc("/riders/nearby", s.handleNearbyRiders).Methods(http.MethodGet)
	api.HandleFunc("/riders/{rider_id}", s.handleGetRider).Methods(http.MethodGet)
	api.HandleFunc("/riders/{rider_id}/location", s.handleSetLocation).Methods(http.MethodPut)
	api.HandleFunc("/riders/{rider_id}/online", s.handleSetOnline).Methods(http.MethodPut)
	api.HandleFunc("/riders/{rider_id}/status", s.handleSetRiderStatus).Methods(http.MethodPut)
	api.HandleFunc("/riders/{rider_id}/offers", s.handlePendingOffers).Methods(http.MethodGet)
	api.HandleFunc("/riders/{rider_id}/offers/{offer_id}/{action:accept|reject}", s.handleResolveOffer).Methods(http.MethodPost)
	api.HandleFunc("/riders/{rider_id}/suborders/{sub_order_id}/{action:accept|reject}", s.handleResolveBySubOrder).Methods(http.MethodPost)
	api.HandleFunc("/riders/{rider_id}/suborders/{sub_order_id}/status", s.handleAdvanceStatus).Methods(http.MethodPost)

	api.HandleFunc("/offers/expired", s.handleExpiredOffers).Methods(http.MethodGet)
	api.HandleFunc("/offers/expire", s.handleExpireOffers).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/riders/{rider_id}", s.handleWS(func(v map[string]string) notify.Target { return notify.RiderChannel(v["rider_id"]) }))
	s.mux.HandleFunc("/ws/orders/{order_id}", s.handleWS(func(v map[string]string) notify.Target { return notify.OrderChannel(v["order_id"]) }))

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return false
	}
	return true
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func floatQuery(r *http.Request, key string) (float64, bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, true, err
}

func (s *Server) handleGetSubOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	so, err := s.Coordinator.SubOrder(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offers, err := s.Coordinator.Offers(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sub_order": so, "offers": offers})
}

type dispatchRequest struct {
	Strategy        string   `json:"strategy"`
	ExcludeRiderIDs []string `json:"exclude_rider_ids"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req dispatchRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	var strategy models.Strategy
	if req.Strategy != "" {
		st, err := models.ParseStrategy(req.Strategy)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		strategy = st
	}
	if strategy == models.StrategyBroadcast {
		s.handleBroadcast(w, r)
		return
	}

	offer, err := s.Coordinator.DispatchSingle(r.Context(), id, strategy, req.ExcludeRiderIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispatched": offer != nil, "offer": offer})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	offers, err := s.Coordinator.DispatchBroadcast(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

func (s *Server) handleAvailableRiders(w http.ResponseWriter, r *http.Request) {
	riders, err := s.Directory.ListOnlineAvailableWithLocation(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if riders == nil {
		riders = []models.Rider{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"riders": riders})
}

func (s *Server) handleNearbyRiders(w http.ResponseWriter, r *http.Request) {
	lat, okLat, errLat := floatQuery(r, "lat")
	lon, okLon, errLon := floatQuery(r, "lon")
	if !okLat || !okLon || errLat != nil || errLon != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "lat and lon are required numbers"})
		return
	}
	radius, _, err := floatQuery(r, "radius_km")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "radius_km must be a number"})
		return
	}
	if radius <= 0 {
		radius = 5
	}
	limit, err := intQuery(r, "limit", 20)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be an integer"})
		return
	}
	positions, err := s.Directory.Nearby(r.Context(), models.Coord{Lat: lat, Lon: lon}, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"riders": positions})
}

func (s *Server) handleGetRider(w http.ResponseWriter, r *http.Request) {
	rider, err := s.Directory.Get(r.Context(), mux.Vars(r)["rider_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rider)
}

type locationRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

func (s *Server) handleSetLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Lat == nil || req.Lon == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "lat and lon are required"})
		return
	}
	if err := s.Directory.SetLocation(r.Context(), mux.Vars(r)["rider_id"], *req.Lat, *req.Lon); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetOnline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Online == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "online is required"})
		return
	}
	rider, err := s.Directory.SetOnline(r.Context(), mux.Vars(r)["rider_id"], *req.Online)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rider)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSetRiderStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.Directory.SetStatus(r.Context(), mux.Vars(r)["rider_id"], models.RiderStatus(req.Status)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePendingOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.Coordinator.PendingOffers(r.Context(), mux.Vars(r)["rider_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

func (s *Server) handleResolveOffer(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	res, err := s.Coordinator.ResolveOffer(r.Context(), v["rider_id"], v["offer_id"], v["action"] == "accept")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResolveBySubOrder(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	res, err := s.Coordinator.ResolveBySubOrder(r.Context(), v["rider_id"], v["sub_order_id"], v["action"] == "accept")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdvanceStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	next, err := models.ParseSubOrderStatus(req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v := mux.Vars(r)
	so, err := s.Coordinator.AdvanceStatus(r.Context(), v["rider_id"], v["sub_order_id"], next)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, so)
}

func (s *Server) handleExpiredOffers(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", s.SweepBatch)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be an integer"})
		return
	}
	offers, err := s.Coordinator.ExpiredPending(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if offers == nil {
		offers = []models.RiderOffer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

func (s *Server) handleExpireOffers(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", s.SweepBatch)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be an integer"})
		return
	}
	n, err := s.Coordinator.ExpireStale(r.Context(), limit)
	if err != nil && n == 0 {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expired": n})
}

func (s *Server) handleWS(target func(map[string]string) notify.Target) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := target(mux.Vars(r))
		if err := s.Hub.Serve(w, r, t); err != nil {
			// the upgrader has already written the response
			s.logger.WithError(err).WithField("channel", t.Channel()).Warn("websocket upgrade failed")
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound *models.NotFoundError
		owner    *models.OwnershipError
		stale    *models.StaleOfferError
		taken    *models.AlreadyAssignedError
		badMove  *models.InvalidTransitionError
		notDisp  *models.NotDispatchableError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &owner):
		status = http.StatusForbidden
	case errors.As(err, &stale), errors.As(err, &taken), errors.As(err, &badMove):
		status = http.StatusConflict
	case errors.As(err, &notDisp):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInvalidLocation), errors.Is(err, models.ErrUnknownStatus), errors.Is(err, models.ErrUnknownStrategy):
		status = http.StatusBadRequest
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"route":      routeTemplate(r),
			"request_id": requestIDFromContext(r.Context()),
		}).Error("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}
