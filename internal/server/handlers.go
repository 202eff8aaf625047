package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/technosupport/ts-camgw/internal/catalog"
	"github.com/technosupport/ts-camgw/internal/events"
	"github.com/technosupport/ts-camgw/internal/mediamtx"
	"github.com/technosupport/ts-camgw/internal/recording"
	"github.com/technosupport/ts-camgw/internal/registry"
	"github.com/technosupport/ts-camgw/internal/rpc"
	"github.com/technosupport/ts-camgw/internal/snapshots"
)

// ServiceName and Version identify the gateway in get_server_info.
const (
	ServiceName = "ts-camgw"
	Version     = "1.0.0"
)

func (s *Server) registerMethods() {
	s.register("ping", s.handlePing)
	s.register("authenticate", s.handleAuthenticate)
	s.register("get_server_info", s.handleGetServerInfo)

	s.register("get_camera_list", s.handleGetCameraList)
	s.register("get_camera_status", s.handleGetCameraStatus)
	s.register("get_camera_capabilities", s.handleGetCameraCapabilities)
	s.register("get_stream_url", s.handleGetStreamURL)
	s.register("get_streams", s.handleGetStreams)

	s.register("take_snapshot", s.handleTakeSnapshot)
	s.register("start_recording", s.handleStartRecording)
	s.register("stop_recording", s.handleStopRecording)

	s.register("list_recordings", s.listFiles(catalog.KindRecording))
	s.register("list_snapshots", s.listFiles(catalog.KindSnapshot))
	s.register("get_recording_info", s.fileInfo(catalog.KindRecording))
	s.register("get_snapshot_info", s.fileInfo(catalog.KindSnapshot))
	s.register("delete_recording", s.deleteFile(catalog.KindRecording))
	s.register("delete_snapshot", s.deleteFile(catalog.KindSnapshot))

	s.register("get_status", s.handleGetStatus)
	s.register("get_system_status", s.handleGetSystemStatus)
	s.register("get_storage_info", s.handleGetStorageInfo)
	s.register("get_metrics", s.handleGetMetrics)

	s.register("subscribe_events", s.handleSubscribeEvents)
	s.register("unsubscribe_events", s.handleUnsubscribeEvents)
	s.register("get_subscription_stats", s.handleSubscriptionStats)
}

// register wraps a handler with the session-layer checks: authorization tier,
// rate limit, in-flight cap, and telemetry.
func (s *Server) register(method string, h rpc.HandlerFunc) {
	t := tierFor(method)
	s.engine.Register(method, func(ctx context.Context, req *rpc.Request) (interface{}, *rpc.Error) {
		sess := sessionFromContext(ctx)
		if sess == nil {
			return nil, rpc.NewError(rpc.CodeInternal, "no session")
		}
		sess.touch()

		if ok, authenticated := sess.authorize(t); !ok {
			if !authenticated {
				return nil, rpc.NewError(rpc.CodeAuthRequired, "authentication required")
			}
			return nil, rpc.Errorf(rpc.CodePermissionDenied, "method %q requires %s scope",
				method, t.scope()).WithData(map[string]string{"required_scope": t.scope()})
		}

		if !sess.limiter.Allow() {
			s.metrics.ObserveRPCError(method, rpc.CodeRateLimited)
			return nil, rpc.NewError(rpc.CodeRateLimited, "request rate exceeded")
		}
		if !sess.acquire() {
			s.metrics.ObserveRPCError(method, rpc.CodeRateLimited)
			return nil, rpc.NewError(rpc.CodeRateLimited, "too many requests in flight")
		}
		defer sess.release()

		timeout := s.readTimeout
		if t == tierControl {
			timeout = s.controlTimeout
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		result, rpcErr := h(ctx, req)
		s.metrics.ObserveRPC(method, time.Since(start).Seconds())
		if rpcErr != nil {
			s.metrics.ObserveRPCError(method, rpcErr.Code)
		}
		return result, rpcErr
	})
}

func decodeParams(req *rpc.Request, out interface{}) *rpc.Error {
	if len(req.Params) == 0 {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(req.Params)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return rpc.Errorf(rpc.CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

// resolveCamera accepts either a camera id or a device path.
func resolveCamera(device string) (string, *rpc.Error) {
	if device == "" {
		return "", rpc.NewError(rpc.CodeInvalidParams, "missing device")
	}
	if registry.IsCameraID(device) {
		return device, nil
	}
	id, err := registry.CameraIDForDevice(device)
	if err != nil {
		return "", rpc.Errorf(rpc.CodeUnsupported, "unsupported device %q", device)
	}
	return id, nil
}

// mapError folds component sentinel errors into the wire taxonomy.
func (s *Server) mapError(err error) *rpc.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrCameraNotFound),
		errors.Is(err, recording.ErrCameraNotFound),
		errors.Is(err, snapshots.ErrCameraNotFound),
		errors.Is(err, catalog.ErrFileNotFound):
		return rpc.NewError(rpc.CodeNotFound, err.Error())
	case errors.Is(err, catalog.ErrInvalidFilename),
		errors.Is(err, recording.ErrInvalidDuration),
		errors.Is(err, snapshots.ErrInvalidParams):
		return rpc.NewError(rpc.CodeInvalidParams, err.Error())
	case errors.Is(err, recording.ErrAlreadyRecording):
		return rpc.NewError(rpc.CodeInvalidState, err.Error()).
			WithData(map[string]string{"reason": "ALREADY_RECORDING"})
	case errors.Is(err, recording.ErrNoActiveSession):
		return rpc.NewError(rpc.CodeInvalidState, err.Error()).
			WithData(map[string]string{"reason": "NO_ACTIVE_SESSION"})
	case errors.Is(err, recording.ErrCameraNotReady),
		errors.Is(err, snapshots.ErrCameraNotReady):
		return rpc.NewError(rpc.CodeInvalidState, err.Error()).
			WithData(map[string]string{"reason": "CAMERA_NOT_READY"})
	case errors.Is(err, registry.ErrUnsupportedDevice):
		return rpc.NewError(rpc.CodeUnsupported, err.Error())
	case errors.Is(err, mediamtx.ErrUnreachable),
		errors.Is(err, mediamtx.ErrTimeout),
		errors.Is(err, mediamtx.ErrRejected),
		errors.Is(err, mediamtx.ErrConflict),
		errors.Is(err, mediamtx.ErrInternal),
		errors.Is(err, mediamtx.ErrNotFound):
		s.metrics.BackendFailure()
		return rpc.NewError(rpc.CodeDependencyFailed, "media backend: "+err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return rpc.NewError(rpc.CodeDependencyFailed, "operation timed out")
	default:
		s.logger.Error().Err(err).Msg("unclassified handler error")
		return rpc.NewError(rpc.CodeInternal, "internal error")
	}
}

func (s *Server) handlePing(_ context.Context, _ *rpc.Request) (interface{}, *rpc.Error) {
	return "pong", nil
}

func (s *Server) handleAuthenticate(ctx context.Context, req *rpc.Request) (interface{}, *rpc.Error) {
	var params struct {
		AuthToken string `json:"auth_token"`
	}
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.AuthToken == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "missing auth_token")
	}

	claims, err := s.verifier.Verify(ctx, params.AuthToken)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeAuthFailed, "invalid credential")
	}

	sess := sessionFromContext(ctx)
	sess.setClaims(claims)

	scopes := make([]string, 0, len(claims.Scopes))
	for scope := range claims.Scopes {
		scopes = append(scopes, scope)
	}
	s.logger.Info().Str("session_id", sess.id).Str("subject", claims.Subject).
		Str("role", claims.Role()).Msg("session authenticated")
	return map[string]interface{}{
		"authenticated": true,
		"session_id":    sess.id,
		"role":          claims.Role(),
		"scopes":        scopes,
		"expires_at":    claims.ExpiresAt,
	}, nil
}

func (s *Server) handleGetServerInfo(_ context.Context, _ *rpc.Request) (interface{}, *rpc.Error) {
	return map[string]interface{}{
		"name":             ServiceName,
		"version":          Version,
		"started_at":       s.startedAt,
		"uptime_s":         int(time.Since(s.startedAt).Seconds()),
		"ws_path":          s.cfg.Server.WSPath,
		"max_request_kib":  s.engine.MaxRequestBytes() / 1024,
		"supported_topics": supportedTopics,
	}, nil
}

func (s *Server) handleGetCameraList(_ context.Context, _ *rpc.Request) (interface{}, *rpc.Error) {
	snap := s.registry.List()
	s.metrics.SetCamerasConnected(snap.Connected)
	return snap, nil
}

type deviceParams struct {
	Device string `json:"device"`
}

func (s *Server) handleGetCameraStatus(_ context.Context, req *rpc.Request) (interface{}, *rpc.Error) {
	var params deviceParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	cameraID, rpcErr := resolveCamera(params.Device)
	if rpcErr != nil {
		return nil, rpcErr
	}
	cam, err := s.registry.Get(cameraID)
	if err != nil {
		return nil, s.mapError(err)
	}
	return cam, nil
}

func (s *Server) handleGetCameraCapabilities(_ context.Context, req *rpc.Request) (interface{}, *rpc.Error) {
	var params deviceParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	cameraID, rpcErr := resolveCamera(params.Device)
	if rpcErr != nil {
		return nil, rpcErr
	}
	cam, err := s.registry.Get(cameraID)
	if err != nil {
		return nil, s.mapError(err)
	}
	return map[string]interface{}{
		"device":       cam.ID,
		"capabilities": cam.Capabilities,
	}, nil
}

func (s *Server) handleGetStreamURL(_ context.Context, req *rpc.Request) (interface{}, *rpc.Error) {
	var params struct {
		Device string `json:"device"`
		Type   string `json:"type"`
	}
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	cameraID, rpcErr := resolveCamera(params.Device)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if _, err := s.registry.Get(cameraID); err != nil {
		return nil, s.mapError(err)
	}

	urls := s.registry.URLs(cameraID)
	var u string
	switch params.Type {
	case "", "rtsp":
		u = urls.RTSP
	case "hls":
		u = urls.HLS
	case "webrtc":
		u = urls.WebRTC
	default:
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "unknown stream type %q", params.Type)
	}
	return map[string]string{"device": cameraID, "url": u}, nil
}

func (s *Server) handleGetStreams(_ context.Context, req *rpc.Request) (interface{}, *rpc.Error) {
	var params deviceParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	cameraID, rpcErr := resolveCamera(params.Device)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if _, err := s.registry.Get(cameraID); err != nil {
		return nil, s.mapError(err)
	}
	return map[string]interface{}{
		"device":  cameraID,
		"streams": s.registry.URLs(cameraID),
	}, nil
}

func (s *Server) handleTakeSnapshot(ctx context.Context, req *rpc.Request) (interface{}, *rpc.Error) {
	var params struct {
		Device   string `json:"device"`
		Filename string `json:"filename"`
		Format   string `json:"format"`
		Quality  *int   `json:"quality"`
	}
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	cameraID, rpcErr := resolveCamera(params.Device)
	if rpcErr != nil {
		return nil, rpcErr
	}

	opts := snapshots.Options{Filename: params.Filename, Format: params.Format}
	if params.Quality != nil {
		if *params.Quality < 1 || *params.Quality > 100 {
			return nil, rpc.Errorf(rpc.CodeInvalidParams, "quality %d out of range", *params.Quality)
		}
		opts.Quality = *params.Quality
	}

	res, err := s.snaps.Take(ctx, cameraID, opts)
	if err != nil {
		return nil, s.mapError(err)
	}
	return res, nil
}

func (s *Server) handleStartRecording(ctx context.Context, req *rpc.Request) (interface{}, *rpc.Error) {
	var params struct {
		Device   string  `json:"device"`
		Duration float64 `json:"duration"`
		Format   string  `json:"format"`
		Quality  *int    `json:"quality"`
	}
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	cameraID, rpcErr := resolveCamera(params.Device)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if params.Duration < 0 {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "duration must not be negative")
	}
	// Validated for parity with take_snapshot; the recording encode settings
	// are fixed by the container format.
	if params.Quality != nil && (*params.Quality < 1 || *params.Quality > 100) {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "quality %d out of range", *params.Quality)
	}

	sess, err := s.recorder.Start(ctx, cameraID, recording.StartOptions{
		Duration: time.Duration(params.Duration * float64(time.Second)),
		Format:   params.Format,
	})
	if err != nil {
		rpcErr := s.mapError(err)
		if errors.Is(err, recording.ErrAlreadyRecording) {
			rpcErr.Data = map[string]interface{}{"reason": "ALREADY_RECORDING", "session": sess}
		}
		return nil, rpcErr
	}
	return map[string]interface{}{
		"session_id": sess.SessionID,
		"device":     sess.CameraID,
		"filename":   sess.Filename,
		"state":      sess.State,
		"format":     sess.Format,
		"start_time": sess.StartedAt,
	}, nil
}

func (s *Server) handleStopRecording(ctx context.Context, req *rpc.Request) (interface{}, *rpc.Error) {
	var params deviceParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	cameraID, rpcErr := resolveCamera(params.Device)
	if rpcErr != nil {
		return nil, rpcErr
	}

	sess, err := s.recorder.Stop(ctx, cameraID, "user")
	if err != nil && sess.SessionID == "" {
		return nil, s.mapError(err)
	}
	return map[string]interface{}{
		"session_id":  sess.SessionID,
		"device":      sess.CameraID,
		"filename":    sess.Filename,
		"final_state": sess.State,
		"stop_reason": sess.StopReason,
	}, nil
}

type pageParams struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (s *Server) listFiles(kind catalog.Kind) rpc.HandlerFunc {
	return func(_ context.Context, req *rpc.Request) (interface{}, *rpc.Error) {
		var params pageParams
		if rpcErr := decodeParams(req, &params); rpcErr != nil {
			return nil, rpcErr
		}
		if params.Limit < 0 || params.Offset < 0 {
			return nil, rpc.NewError(rpc.CodeInvalidParams, "limit and offset must not be negative")
		}
		page, err := s.files.List(kind, params.Limit, params.Offset)
		if err != nil {
			return nil, s.mapError(err)
		}
		return map[string]interface{}{
			"files":    page.Files,
			"total":    page.Total,
			"limit":    page.Limit,
			"offset":   page.Offset,
			"has_more": page.Offset+len(page.Files) < page.Total,
		}, nil
	}
}

type filenameParams struct {
	Filename string `json:"filename"`
}

func (s *Server) fileInfo(kind catalog.Kind) rpc.HandlerFunc {
	return func(_ context.Context, req *rpc.Request) (interface{}, *rpc.Error) {
		var params filenameParams
		if rpcErr := decodeParams(req, &params); rpcErr != nil {
			return nil, rpcErr
		}
		info, err := s.files.Info(kind, params.Filename)
		if err != nil {
			return nil, s.mapError(err)
		}
		return info, nil
	}
}

func (s *Server) deleteFile(kind catalog.Kind) rpc.HandlerFunc {
	return func(_ context.Context, req *rpc.Request) (interface{}, *rpc.Error) {
		var params filenameParams
		if rpcErr := decodeParams(req, &params); rpcErr != nil {
			return nil, rpcErr
		}
		if err := s.files.Delete(kind, params.Filename); err != nil {
			return nil, s.mapError(err)
		}
		return map[string]interface{}{"deleted": true, "filename": params.Filename}, nil
	}
}

func (s *Server) handleGetStatus(_ context.Context, _ *rpc.Request) (interface{}, *rpc.Error) {
	health := s.media.Health()
	snap := s.registry.List()
	status := "ok"
	if !health.Healthy {
		status = "degraded"
	}
	return map[string]interface{}{
		"status":            status,
		"uptime_s":          int(time.Since(s.startedAt).Seconds()),
		"backend_healthy":   health.Healthy,
		"cameras_total":     snap.Total,
		"cameras_connected": snap.Connected,
	}, nil
}

func (s *Server) handleGetSystemStatus(ctx context.Context, _ *rpc.Request) (interface{}, *rpc.Error) {
	health := s.media.Health()
	snap := s.registry.List()
	active := s.recorder.ListActive()

	components := map[string]string{
		"websocket_server": "running",
		"camera_monitor":   "running",
		"media_backend":    "healthy",
	}
	if !health.Healthy {
		components["media_backend"] = "unhealthy"
	} else if err := s.media.Ping(ctx); err != nil {
		components["media_backend"] = "unreachable"
	}

	return map[string]interface{}{
		"components":        components,
		"circuit_state":     health.CircuitState,
		"cameras_connected": snap.Connected,
		"active_recordings": len(active),
		"sessions":          s.sessionCount(),
	}, nil
}

func (s *Server) handleGetStorageInfo(_ context.Context, _ *rpc.Request) (interface{}, *rpc.Error) {
	info, err := s.disk.Info()
	if err != nil {
		return nil, rpc.NewError(rpc.CodeDependencyFailed, "storage probe failed")
	}
	return info, nil
}

func (s *Server) handleGetMetrics(_ context.Context, _ *rpc.Request) (interface{}, *rpc.Error) {
	snap := s.registry.List()
	stats := s.bus.Stats()
	return map[string]interface{}{
		"cameras_total":     snap.Total,
		"cameras_connected": snap.Connected,
		"active_recordings": len(s.recorder.ListActive()),
		"sessions":          s.sessionCount(),
		"events_published":  stats.Published,
		"events_dropped":    stats.Dropped,
		"subscribers":       stats.Subscribers,
	}, nil
}

var supportedTopics = []string{
	events.TopicCameraStatus,
	events.TopicRecording,
	events.TopicSnapshot,
	events.TopicBackendHealth,
	events.TopicReadiness,
}

func (s *Server) handleSubscribeEvents(ctx context.Context, req *rpc.Request) (interface{}, *rpc.Error) {
	var params struct {
		Topics []string `json:"topics"`
		Device string   `json:"device"`
	}
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if len(params.Topics) == 0 {
		params.Topics = supportedTopics
	}

	var filter func(ev eventEnvelope) bool
	if params.Device != "" {
		cameraID, rpcErr := resolveCamera(params.Device)
		if rpcErr != nil {
			return nil, rpcErr
		}
		filter = func(ev eventEnvelope) bool { return ev.device() == "" || ev.device() == cameraID }
	}

	sess := sessionFromContext(ctx)
	old := sess.setSubscriber(s.subscribe(sess, params.Topics, filter))
	if old != nil {
		s.bus.Unsubscribe(old)
	}
	return map[string]interface{}{"subscribed": params.Topics}, nil
}

func (s *Server) handleUnsubscribeEvents(ctx context.Context, req *rpc.Request) (interface{}, *rpc.Error) {
	var params struct {
		Topics []string `json:"topics"`
	}
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}

	sess := sessionFromContext(ctx)
	sub := sess.subscriber()
	if sub == nil {
		return map[string]interface{}{"subscribed": []string{}}, nil
	}
	s.bus.Unsubscribe(sub, params.Topics...)
	remaining := sub.Topics()
	if len(params.Topics) == 0 || len(remaining) == 0 {
		sess.setSubscriber(nil)
		remaining = []string{}
	}
	// The result mirrors subscribe_events: the topics still subscribed.
	return map[string]interface{}{"subscribed": remaining}, nil
}

func (s *Server) handleSubscriptionStats(ctx context.Context, _ *rpc.Request) (interface{}, *rpc.Error) {
	sess := sessionFromContext(ctx)
	stats := s.bus.Stats()
	topics := []string{}
	if sub := sess.subscriber(); sub != nil {
		topics = sub.Topics()
	}
	return map[string]interface{}{
		"session_topics":   topics,
		"subscribers":      stats.Subscribers,
		"events_published": stats.Published,
		"events_dropped":   stats.Dropped,
	}, nil
}

// eventEnvelope lets device filters inspect payloads without reflection on
// every concrete event type.
type eventEnvelope struct {
	payload interface{}
}

func (e eventEnvelope) device() string {
	switch p := e.payload.(type) {
	case registry.Camera:
		return p.ID
	case recording.StatusUpdate:
		return p.CameraID
	case snapshots.Result:
		return p.CameraID
	default:
		return ""
	}
}
