package mcp

import "context"

// ===== WORLDBUILDER =====

// WorldBuilder wraps the scene-construction service.
type WorldBuilder struct {
	client Client
}

// NewWorldBuilder wraps a client for the worldbuilder service.
func NewWorldBuilder(client Client) *WorldBuilder { return &WorldBuilder{client: client} }

// Client returns the underlying client.
func (w *WorldBuilder) Client() Client { return w.client }

// CreateBatch creates a named group of scene elements under parentPath.
func (w *WorldBuilder) CreateBatch(ctx context.Context, name string, elements []map[string]any, parentPath string) (map[string]any, error) {
	return w.client.CallTool(ctx, "createBatch", optional(map[string]any{
		"batch_name":  name,
		"elements":    elements,
		"parent_path": parentPath,
	}))
}

// PlaceAsset places a USD asset in the scene.
func (w *WorldBuilder) PlaceAsset(ctx context.Context, name, assetPath string, pos, rot, scale []float64, primPath string) (map[string]any, error) {
	return w.client.CallTool(ctx, "placeAsset", optional(map[string]any{
		"name":       name,
		"asset_path": assetPath,
		"position":   pos,
		"rotation":   rot,
		"scale":      scale,
		"prim_path":  primPath,
	}))
}

// AddElement adds a single primitive element.
func (w *WorldBuilder) AddElement(ctx context.Context, elementType, name string, pos []float64, extra map[string]any) (map[string]any, error) {
	args := map[string]any{
		"element_type": elementType,
		"name":         name,
		"position":     pos,
	}
	for k, v := range extra {
		args[k] = v
	}
	return w.client.CallTool(ctx, "addElement", optional(args))
}

// RemoveElement removes the element at a USD path.
func (w *WorldBuilder) RemoveElement(ctx context.Context, path string) (map[string]any, error) {
	return w.client.CallTool(ctx, "removeElement", map[string]any{"element_path": path})
}

// ClearScene removes everything under root. The service requires an
// explicit confirm flag.
func (w *WorldBuilder) ClearScene(ctx context.Context, root string, confirm bool) (map[string]any, error) {
	return w.client.CallTool(ctx, "clearScene", map[string]any{
		"path":    root,
		"confirm": confirm,
	})
}

// GetScene returns the scene contents.
func (w *WorldBuilder) GetScene(ctx context.Context, detailed bool) (map[string]any, error) {
	return w.client.CallTool(ctx, "getScene", map[string]any{"detailed": detailed})
}

// ListElements lists elements under a path.
func (w *WorldBuilder) ListElements(ctx context.Context, path string) (map[string]any, error) {
	return w.client.CallTool(ctx, "listElements", optional(map[string]any{"path": path}))
}

// QueryObjectsByType finds objects of a semantic type.
func (w *WorldBuilder) QueryObjectsByType(ctx context.Context, objectType string) (map[string]any, error) {
	return w.client.CallTool(ctx, "queryObjectsByType", map[string]any{"type": objectType})
}

// ===== WORLDVIEWER =====

// WorldViewer wraps the camera service. Shot parameters flow through
// from proposal data verbatim, so the cinematic moves take raw maps.
type WorldViewer struct {
	client Client
}

// NewWorldViewer wraps a client for the worldviewer service.
func NewWorldViewer(client Client) *WorldViewer { return &WorldViewer{client: client} }

// Client returns the underlying client.
func (w *WorldViewer) Client() Client { return w.client }

// SetCameraPosition jumps the camera to a position, optionally aimed
// at a target.
func (w *WorldViewer) SetCameraPosition(ctx context.Context, pos, target []float64) (map[string]any, error) {
	return w.client.CallTool(ctx, "setCameraPosition", optional(map[string]any{
		"position": pos,
		"target":   target,
	}))
}

// FrameObject frames a scene object in view.
func (w *WorldViewer) FrameObject(ctx context.Context, path string, distance float64) (map[string]any, error) {
	args := map[string]any{"object_path": path}
	if distance > 0 {
		args["distance"] = distance
	}
	return w.client.CallTool(ctx, "frameObject", args)
}

// OrbitCamera positions the camera on an orbit around a target.
func (w *WorldViewer) OrbitCamera(ctx context.Context, params map[string]any) (map[string]any, error) {
	return w.client.CallTool(ctx, "orbitCamera", params)
}

// SmoothMove runs a smooth camera move.
func (w *WorldViewer) SmoothMove(ctx context.Context, params map[string]any) (map[string]any, error) {
	return w.client.CallTool(ctx, "smoothMove", params)
}

// ArcShot runs an arcing camera move.
func (w *WorldViewer) ArcShot(ctx context.Context, params map[string]any) (map[string]any, error) {
	return w.client.CallTool(ctx, "arcShot", params)
}

// OrbitShot runs an orbiting camera move.
func (w *WorldViewer) OrbitShot(ctx context.Context, params map[string]any) (map[string]any, error) {
	return w.client.CallTool(ctx, "orbitShot", params)
}

// StopMovement halts any camera motion.
func (w *WorldViewer) StopMovement(ctx context.Context) (map[string]any, error) {
	return w.client.CallTool(ctx, "stopMovement", map[string]any{})
}

// GetCameraStatus returns the camera state.
func (w *WorldViewer) GetCameraStatus(ctx context.Context) (map[string]any, error) {
	return w.client.CallTool(ctx, "getCameraStatus", map[string]any{})
}

// PlayQueue starts the queued shot sequence.
func (w *WorldViewer) PlayQueue(ctx context.Context) (map[string]any, error) {
	return w.client.CallTool(ctx, "playQueue", map[string]any{})
}

// PauseQueue pauses the queued shot sequence.
func (w *WorldViewer) PauseQueue(ctx context.Context) (map[string]any, error) {
	return w.client.CallTool(ctx, "pauseQueue", map[string]any{})
}

// StopQueue stops and clears the queued shot sequence.
func (w *WorldViewer) StopQueue(ctx context.Context) (map[string]any, error) {
	return w.client.CallTool(ctx, "stopQueue", map[string]any{})
}

// GetQueueStatus returns the shot queue state.
func (w *WorldViewer) GetQueueStatus(ctx context.Context) (map[string]any, error) {
	return w.client.CallTool(ctx, "getQueueStatus", map[string]any{})
}

// ===== WORLDSURVEYOR =====

// WorldSurveyor wraps the waypoint service.
type WorldSurveyor struct {
	client Client
}

// NewWorldSurveyor wraps a client for the worldsurveyor service.
func NewWorldSurveyor(client Client) *WorldSurveyor { return &WorldSurveyor{client: client} }

// Client returns the underlying client.
func (w *WorldSurveyor) Client() Client { return w.client }

// CreateWaypoint marks a position.
func (w *WorldSurveyor) CreateWaypoint(ctx context.Context, pos []float64, waypointType string) (map[string]any, error) {
	return w.client.CallTool(ctx, "createWaypoint", optional(map[string]any{
		"position":      pos,
		"waypoint_type": waypointType,
	}))
}

// ListWaypoints returns all waypoints.
func (w *WorldSurveyor) ListWaypoints(ctx context.Context) (map[string]any, error) {
	return w.client.CallTool(ctx, "listWaypoints", map[string]any{})
}

// ClearWaypoints removes every waypoint.
func (w *WorldSurveyor) ClearWaypoints(ctx context.Context, confirm bool) (map[string]any, error) {
	return w.client.CallTool(ctx, "clearWaypoints", map[string]any{"confirm": confirm})
}

// CreateGroup creates a waypoint group.
func (w *WorldSurveyor) CreateGroup(ctx context.Context, name string) (map[string]any, error) {
	return w.client.CallTool(ctx, "createGroup", map[string]any{"name": name})
}

// ListGroups returns all waypoint groups.
func (w *WorldSurveyor) ListGroups(ctx context.Context) (map[string]any, error) {
	return w.client.CallTool(ctx, "listGroups", map[string]any{})
}

// ClearGroups removes every waypoint group.
func (w *WorldSurveyor) ClearGroups(ctx context.Context, confirm bool) (map[string]any, error) {
	return w.client.CallTool(ctx, "clearGroups", map[string]any{"confirm": confirm})
}

// ===== WORLDSTREAMER / WORLDRECORDER =====

// MediaService wraps the streaming and recording services, which share
// the same start/stop/status surface.
type MediaService struct {
	client Client
}

// NewMediaService wraps a streamer or recorder client.
func NewMediaService(client Client) *MediaService { return &MediaService{client: client} }

// Client returns the underlying client.
func (m *MediaService) Client() Client { return m.client }

// HealthCheck probes the service.
func (m *MediaService) HealthCheck(ctx context.Context) (map[string]any, error) {
	return m.client.CallTool(ctx, "healthCheck", map[string]any{})
}

// Status returns the current session state.
func (m *MediaService) Status(ctx context.Context) (map[string]any, error) {
	return m.client.CallTool(ctx, "getStatus", map[string]any{})
}

// Start begins a streaming or recording session.
func (m *MediaService) Start(ctx context.Context, params map[string]any) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}
	return m.client.CallTool(ctx, "start", params)
}

// Stop ends the session.
func (m *MediaService) Stop(ctx context.Context) (map[string]any, error) {
	return m.client.CallTool(ctx, "stop", map[string]any{})
}
