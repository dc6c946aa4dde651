package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"

	"github.com/meshgate/meshgate/pkg/logger"
	"github.com/meshgate/meshgate/pkg/mesh"
	"github.com/meshgate/meshgate/pkg/mesh/virtual"
)

// Request-shape errors surfaced by the handlers.
var (
	errMissingOrg     = errors.New("missing organization header")
	errInvalidPayload = errors.New("invalid tool call payload")
)

// handleVirtual serves the aggregated virtual-MCP surface. The virtual ID
// comes from the URL, the x-virtual-mcp-id header, or falls back to the
// tenant's default agent.
func (s *Server) handleVirtual(w http.ResponseWriter, r *http.Request) {
	tenantID, err := s.resolveTenant(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entity, err := s.resolveVirtual(r, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveMCP(w, r, tenantID, entity, virtual.BuildOptions{Mode: strategyMode(r, entity)}, "[virtual-mcp]")
}

func (s *Server) handleVirtualStream(w http.ResponseWriter, r *http.Request) {
	tenantID, err := s.resolveTenant(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entity, err := s.resolveVirtual(r, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveStream(w, r, tenantID, entity, virtual.BuildOptions{Mode: strategyMode(r, entity)}, "[virtual-mcp]")
}

// handleMesh serves the tenant-wide surface over all active connections,
// resolved by organization slug, with conflict prefixing enabled.
func (s *Server) handleMesh(w http.ResponseWriter, r *http.Request) {
	tenantID, entity, err := s.resolveMesh(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveMCP(w, r, tenantID, entity, virtual.BuildOptions{Mode: strategyMode(r, entity), PrefixConflicts: true}, "[mesh]")
}

func (s *Server) handleMeshStream(w http.ResponseWriter, r *http.Request) {
	tenantID, entity, err := s.resolveMesh(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveStream(w, r, tenantID, entity, virtual.BuildOptions{Mode: strategyMode(r, entity), PrefixConflicts: true}, "[mesh]")
}

// handleConnection serves a single upstream behind the gateway's auth and
// monitoring, expressed as a one-member inclusion surface.
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	tenantID, entity, err := s.resolveConnection(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveMCP(w, r, tenantID, entity, virtual.BuildOptions{}, "[proxy]")
}

func (s *Server) handleConnectionStream(w http.ResponseWriter, r *http.Request) {
	tenantID, entity, err := s.resolveConnection(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveStream(w, r, tenantID, entity, virtual.BuildOptions{}, "[proxy]")
}

// resolveTenant picks the tenant from x-org-id, else looks up x-org-slug.
func (s *Server) resolveTenant(r *http.Request) (string, error) {
	if id := r.Header.Get(headerOrgID); id != "" {
		return id, nil
	}
	if slug := r.Header.Get(headerOrgSlug); slug != "" {
		return s.deps.Connections.GetTenantIDBySlug(r.Context(), slug)
	}
	return "", errMissingOrg
}

// resolveVirtual loads the virtual MCP entity for the request, falling back
// to the tenant's default agent when no ID was supplied.
func (s *Server) resolveVirtual(r *http.Request, tenantID string) (*mesh.VirtualMCP, error) {
	id := chi.URLParam(r, "virtualID")
	if id == "" {
		id = r.Header.Get(headerVirtualMCPID)
	}
	if id == "" {
		entity, err := s.deps.Virtuals.DefaultVirtualMCP(r.Context(), tenantID)
		if errors.Is(err, mesh.ErrVirtualMCPNotFound) {
			return virtual.DefaultAgent(tenantID, mesh.DefaultAgentPrefix+tenantID), nil
		}
		if err != nil {
			return nil, err
		}
		return validateVirtual(entity)
	}
	if mesh.IsDefaultAgentID(id) {
		return virtual.DefaultAgent(tenantID, id), nil
	}
	entity, err := s.deps.Virtuals.GetVirtualMCP(r.Context(), tenantID, id)
	if err != nil {
		return nil, err
	}
	return validateVirtual(entity)
}

func validateVirtual(entity *mesh.VirtualMCP) (*mesh.VirtualMCP, error) {
	if !entity.Active() {
		return nil, mesh.ErrVirtualMCPInactive
	}
	return entity, nil
}

// resolveMesh maps the URL slug to a tenant and synthesizes its default
// agent.
func (s *Server) resolveMesh(r *http.Request) (string, *mesh.VirtualMCP, error) {
	slug := chi.URLParam(r, "orgSlug")
	tenantID, err := s.deps.Connections.GetTenantIDBySlug(r.Context(), slug)
	if err != nil {
		return "", nil, err
	}
	return tenantID, virtual.DefaultAgent(tenantID, mesh.DefaultAgentPrefix+tenantID), nil
}

// resolveConnection validates the target connection and wraps it as a
// one-member inclusion entity. Cross-tenant lookups surface as not-found.
func (s *Server) resolveConnection(r *http.Request) (string, *mesh.VirtualMCP, error) {
	tenantID, err := s.resolveTenant(r)
	if err != nil {
		return "", nil, err
	}
	conn, err := s.deps.Connections.GetConnection(r.Context(), tenantID, chi.URLParam(r, "connectionID"))
	if err != nil {
		return "", nil, err
	}
	if !conn.Active() {
		return "", nil, mesh.ErrConnectionInactive
	}
	entity := &mesh.VirtualMCP{
		ID:            conn.ID,
		TenantID:      tenantID,
		Title:         conn.Title,
		Status:        mesh.StatusActive,
		SelectionMode: mesh.SelectionInclusion,
		Members:       []mesh.Member{{ConnectionID: conn.ID}},
	}
	return tenantID, entity, nil
}

// strategyMode prefers the ?mode= query over the entity's stored strategy.
func strategyMode(r *http.Request, entity *mesh.VirtualMCP) string {
	if mode := r.URL.Query().Get("mode"); mode != "" {
		return mode
	}
	return entity.Strategy
}

// serveMCP builds the virtual MCP as a scoped resource and dispatches one
// streamable HTTP exchange against a per-request MCP server.
func (s *Server) serveMCP(w http.ResponseWriter, r *http.Request, tenantID string, entity *mesh.VirtualMCP, opts virtual.BuildOptions, tag string) {
	ctx := r.Context()
	reqctx := s.requestContext(r, tenantID)

	vm, err := s.builder().Build(ctx, entity, reqctx, opts)
	if err != nil {
		logger.Errorf("%s building %s: %v", tag, entity.ID, err)
		writeError(w, err)
		return
	}
	defer vm.Close()

	mcpServer, err := s.newMCPServer(ctx, vm)
	if err != nil {
		logger.Errorf("%s registering capabilities for %s: %v", tag, entity.ID, err)
		writeError(w, err)
		return
	}

	server.NewStreamableHTTPServer(mcpServer, server.WithStateLess(true)).ServeHTTP(w, r)
}

// serveStream forwards one streaming tool call, relaying the upstream
// response verbatim without buffering it.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, tenantID string, entity *mesh.VirtualMCP, opts virtual.BuildOptions, tag string) {
	ctx := r.Context()
	toolName := chi.URLParam(r, "toolName")

	args, err := decodeStreamArgs(r)
	if err != nil {
		writeError(w, err)
		return
	}

	reqctx := s.requestContext(r, tenantID)
	vm, err := s.builder().Build(ctx, entity, reqctx, opts)
	if err != nil {
		logger.Errorf("%s building %s: %v", tag, entity.ID, err)
		writeError(w, err)
		return
	}
	defer vm.Close()

	resp, err := vm.CallStreamableTool(ctx, toolName, args)
	if err != nil {
		writeError(w, err)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Warnf("%s relaying stream for %s: %v", tag, toolName, err)
	}
}

// decodeStreamArgs parses the raw args object from the request body. An
// empty body means no arguments.
func decodeStreamArgs(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errInvalidPayload
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal(body, &args); err != nil {
		return nil, errInvalidPayload
	}
	return args, nil
}

// writeError maps domain errors onto the gateway's HTTP status table.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mesh.ErrUnauthorized):
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized", "")
	case errors.Is(err, mesh.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, "Forbidden", "")
	case errors.Is(err, mesh.ErrConnectionNotFound):
		writeJSONError(w, http.StatusNotFound, "Connection not found", "")
	case errors.Is(err, mesh.ErrVirtualMCPNotFound):
		writeJSONError(w, http.StatusNotFound, "Virtual MCP not found", "")
	case errors.Is(err, mesh.ErrTenantNotFound):
		writeJSONError(w, http.StatusNotFound, "Organization not found", "")
	case errors.Is(err, mesh.ErrToolNotFound),
		errors.Is(err, mesh.ErrResourceNotFound),
		errors.Is(err, mesh.ErrPromptNotFound):
		writeJSONError(w, http.StatusNotFound, "Not found", err.Error())
	case errors.Is(err, mesh.ErrConnectionInactive):
		writeJSONError(w, http.StatusServiceUnavailable, "Connection is not active", "")
	case errors.Is(err, mesh.ErrVirtualMCPInactive):
		writeJSONError(w, http.StatusServiceUnavailable, "Virtual MCP is not active", "")
	case errors.Is(err, mesh.ErrAborted), errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusBadRequest, "Request aborted", "")
	case errors.Is(err, errMissingOrg):
		writeJSONError(w, http.StatusBadRequest, "Missing organization header", "")
	case errors.Is(err, errInvalidPayload):
		writeJSONError(w, http.StatusBadRequest, "Invalid tool call payload", "")
	default:
		writeJSONError(w, http.StatusInternalServerError, "Internal server error", err.Error())
	}
}

func writeJSONError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": message}
	if detail != "" {
		body["message"] = detail
	}
	_ = json.NewEncoder(w).Encode(body)
}
