package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentation/agentation/internal/annotation/models"
	"github.com/agentation/agentation/internal/common/logger"
)

const (
	watchDefaultTimeout = 60 * time.Second
	watchPollInterval   = 2 * time.Second
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List all annotation sessions. Use this first to get session IDs for other operations."),
		),
		listSessionsHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_session",
			mcp.WithDescription("Get a session with all its annotations and their discussion threads."),
			mcp.WithString("sessionId",
				mcp.Required(),
				mcp.Description("The session ID to fetch"),
			),
		),
		getSessionHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_pending",
			mcp.WithDescription("List the pending (unhandled) annotations in one session."),
			mcp.WithString("sessionId",
				mcp.Required(),
				mcp.Description("The session ID to list pending annotations from"),
			),
		),
		getPendingHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_all_pending",
			mcp.WithDescription("List pending annotations across every session."),
		),
		getAllPendingHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("acknowledge",
			mcp.WithDescription("Mark a pending annotation as acknowledged, signalling that work on it has started."),
			mcp.WithString("annotationId",
				mcp.Required(),
				mcp.Description("The annotation ID to acknowledge"),
			),
		),
		setStatusHandler(cfg, log, models.StatusAcknowledged, "", false),
	)

	s.AddTool(
		mcp.NewTool("resolve",
			mcp.WithDescription("Mark an annotation as resolved. Optionally record a summary of what was done in the annotation's thread."),
			mcp.WithString("annotationId",
				mcp.Required(),
				mcp.Description("The annotation ID to resolve"),
			),
			mcp.WithString("summary",
				mcp.Description("Short summary of the fix (optional); posted to the thread as 'Resolved: <summary>'"),
			),
		),
		setStatusHandler(cfg, log, models.StatusResolved, "summary", false),
	)

	s.AddTool(
		mcp.NewTool("dismiss",
			mcp.WithDescription("Dismiss an annotation as not actionable. The reason is recorded in the annotation's thread."),
			mcp.WithString("annotationId",
				mcp.Required(),
				mcp.Description("The annotation ID to dismiss"),
			),
			mcp.WithString("reason",
				mcp.Required(),
				mcp.Description("Why the annotation is being dismissed; posted to the thread as 'Dismissed: <reason>'"),
			),
		),
		setStatusHandler(cfg, log, models.StatusDismissed, "reason", true),
	)

	s.AddTool(
		mcp.NewTool("reply",
			mcp.WithDescription("Post a reply to an annotation's discussion thread."),
			mcp.WithString("annotationId",
				mcp.Required(),
				mcp.Description("The annotation ID to reply to"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The reply text"),
			),
		),
		replyHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("watch_annotations",
			mcp.WithDescription("Block until new pending annotations appear anywhere, then return them. Returns an empty batch when the timeout elapses without new annotations."),
			mcp.WithNumber("timeout",
				mcp.Description("Maximum seconds to wait (optional, default 60)"),
			),
		),
		watchAnnotationsHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 9))
}

// apiGet performs a GET against the broker API and decodes the JSON body.
func apiGet(ctx context.Context, cfg Config, path string) (json.RawMessage, int, error) {
	return apiDo(ctx, cfg, http.MethodGet, path, nil)
}

// apiDo performs an authenticated request against the broker API. It returns
// the raw JSON body and the HTTP status.
func apiDo(ctx context.Context, cfg Config, method, path string, payload interface{}) (json.RawMessage, int, error) {
	var body *bytes.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.BaseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("parse response: %w", err)
	}
	return result, resp.StatusCode, nil
}

func proxyResult(result json.RawMessage, status int, err error, action string) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", action, err)), nil
	}
	if status >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", status, string(result))), nil
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}

func listSessionsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, status, err := apiGet(ctx, cfg, "/sessions")
		if err != nil {
			log.Error("failed to fetch sessions", zap.Error(err))
		}
		return proxyResult(result, status, err, "fetch sessions")
	}
}

func getSessionHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("sessionId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, status, err := apiGet(ctx, cfg, "/sessions/"+sessionID)
		if err != nil {
			log.Error("failed to fetch session", zap.Error(err))
		}
		return proxyResult(result, status, err, "fetch session")
	}
}

func getPendingHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("sessionId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, status, err := apiGet(ctx, cfg, "/sessions/"+sessionID+"/pending")
		if err != nil {
			log.Error("failed to fetch pending annotations", zap.Error(err))
		}
		return proxyResult(result, status, err, "fetch pending annotations")
	}
}

func getAllPendingHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, status, err := apiGet(ctx, cfg, "/pending")
		if err != nil {
			log.Error("failed to fetch pending annotations", zap.Error(err))
		}
		return proxyResult(result, status, err, "fetch pending annotations")
	}
}

// statusPaths gives, per current status, the PATCH sequence that reaches the
// target without ever taking an illegal transition. Reaching resolved or
// dismissed from the other terminal status goes back through pending first.
var statusPaths = map[models.AnnotationStatus]map[models.AnnotationStatus][]models.AnnotationStatus{
	models.StatusPending: {
		models.StatusAcknowledged: {models.StatusAcknowledged},
		models.StatusResolved:     {models.StatusAcknowledged, models.StatusResolved},
		models.StatusDismissed:    {models.StatusDismissed},
	},
	models.StatusAcknowledged: {
		models.StatusAcknowledged: nil,
		models.StatusResolved:     {models.StatusResolved},
		models.StatusDismissed:    {models.StatusDismissed},
	},
	models.StatusResolved: {
		models.StatusResolved:  nil,
		models.StatusDismissed: {models.StatusPending, models.StatusDismissed},
	},
	models.StatusDismissed: {
		models.StatusResolved:  {models.StatusPending, models.StatusAcknowledged, models.StatusResolved},
		models.StatusDismissed: nil,
	},
}

// setStatusHandler builds the acknowledge/resolve/dismiss handlers. All
// three fetch the annotation first and then walk the status lattice to the
// target. Acknowledge only moves pending annotations; resolve and dismiss
// reach their target from any status. noteArg names an optional (or, when
// noteRequired, mandatory) argument whose value is posted to the thread.
func setStatusHandler(cfg Config, log *logger.Logger, target models.AnnotationStatus, noteArg string, noteRequired bool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		annotationID, err := req.RequireString("annotationId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var note string
		if noteArg != "" {
			note = req.GetString(noteArg, "")
			if noteRequired && note == "" {
				return mcp.NewToolResultError(noteArg + " is required"), nil
			}
		}

		raw, status, err := apiGet(ctx, cfg, "/annotations/"+annotationID)
		if err != nil {
			log.Error("failed to fetch annotation", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch annotation: %v", err)), nil
		}
		if status >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", status, string(raw))), nil
		}

		var current models.Annotation
		if err := json.Unmarshal(raw, &current); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse annotation: %v", err)), nil
		}

		if target == models.StatusAcknowledged &&
			(current.Status == models.StatusResolved || current.Status == models.StatusDismissed) {
			return mcp.NewToolResultError(fmt.Sprintf("annotation %s is %s; only pending annotations can be acknowledged", annotationID, current.Status)), nil
		}

		agent := models.RoleAgent
		var result json.RawMessage = raw
		for _, step := range statusPaths[current.Status][target] {
			step := step
			patch := models.AnnotationPatch{Status: &step}
			if step == models.StatusResolved || step == models.StatusDismissed {
				patch.ResolvedBy = &agent
			}
			result, status, err = apiDo(ctx, cfg, http.MethodPatch, "/annotations/"+annotationID, patch)
			if err != nil {
				log.Error("failed to update annotation", zap.Error(err))
				return mcp.NewToolResultError(fmt.Sprintf("Failed to update annotation: %v", err)), nil
			}
			if status >= 400 {
				return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", status, string(result))), nil
			}
		}

		if note != "" {
			prefix := "Resolved: "
			if target == models.StatusDismissed {
				prefix = "Dismissed: "
			}
			threadBody := map[string]interface{}{
				"role":    models.RoleAgent,
				"content": prefix + note,
			}
			result, status, err = apiDo(ctx, cfg, http.MethodPost, "/annotations/"+annotationID+"/thread", threadBody)
			if err != nil {
				log.Error("failed to post thread message", zap.Error(err))
				return mcp.NewToolResultError(fmt.Sprintf("Failed to post thread message: %v", err)), nil
			}
			if status >= 400 {
				return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", status, string(result))), nil
			}
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func replyHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		annotationID, err := req.RequireString("annotationId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{
			"role":    models.RoleAgent,
			"content": message,
		}
		result, status, err := apiDo(ctx, cfg, http.MethodPost, "/annotations/"+annotationID+"/thread", payload)
		if err != nil {
			log.Error("failed to post reply", zap.Error(err))
		}
		return proxyResult(result, status, err, "post reply")
	}
}

// pendingResponse mirrors the /pending endpoint body.
type pendingResponse struct {
	Count       int                  `json:"count"`
	Annotations []*models.Annotation `json:"annotations"`
}

// timeoutSeconds parses the watch_annotations timeout argument. JSON numbers
// arrive as float64; string digits are accepted for lenient clients.
func timeoutSeconds(raw interface{}) (int, error) {
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case string:
		var seconds int
		if _, err := fmt.Sscanf(v, "%d", &seconds); err != nil {
			return 0, fmt.Errorf("timeout must be a number of seconds, got %q", v)
		}
		return seconds, nil
	default:
		return 0, fmt.Errorf("timeout must be a number of seconds, got %T", raw)
	}
}

func watchAnnotationsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		timeout := watchDefaultTimeout
		if raw, ok := req.GetArguments()["timeout"]; ok && raw != nil {
			seconds, err := timeoutSeconds(raw)
			if err != nil || seconds <= 0 {
				return mcp.NewToolResultError("timeout must be a positive number of seconds"), nil
			}
			timeout = time.Duration(seconds) * time.Second
		}

		baseline, err := fetchPendingIDs(ctx, cfg)
		if err != nil {
			log.Error("failed to fetch pending baseline", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch pending annotations: %v", err)), nil
		}

		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		ticker := time.NewTicker(watchPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return mcp.NewToolResultError("watch cancelled"), nil
			case <-deadline.C:
				empty, _ := json.MarshalIndent(pendingResponse{Count: 0, Annotations: []*models.Annotation{}}, "", "  ")
				return mcp.NewToolResultText(string(empty)), nil
			case <-ticker.C:
				fresh, err := fetchPending(ctx, cfg)
				if err != nil {
					log.Warn("pending poll failed", zap.Error(err))
					continue
				}
				var batch []*models.Annotation
				for _, a := range fresh {
					if !baseline[a.ID] {
						batch = append(batch, a)
					}
				}
				if len(batch) > 0 {
					out, _ := json.MarshalIndent(pendingResponse{Count: len(batch), Annotations: batch}, "", "  ")
					return mcp.NewToolResultText(string(out)), nil
				}
			}
		}
	}
}

func fetchPending(ctx context.Context, cfg Config) ([]*models.Annotation, error) {
	raw, status, err := apiGet(ctx, cfg, "/pending")
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("API error (%d): %s", status, string(raw))
	}
	var resp pendingResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return resp.Annotations, nil
}

func fetchPendingIDs(ctx context.Context, cfg Config) (map[string]bool, error) {
	annotations, err := fetchPending(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(annotations))
	for _, a := range annotations {
		ids[a.ID] = true
	}
	return ids, nil
}
