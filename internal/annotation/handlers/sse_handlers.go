package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentation/agentation/internal/annotation/models"
	"github.com/agentation/agentation/internal/annotation/service"
	"github.com/agentation/agentation/internal/annotation/store"
	"github.com/agentation/agentation/internal/common/logger"
	"github.com/agentation/agentation/internal/events/bus"
)

const pingInterval = 30 * time.Second

// EventHandlers serves the SSE streams.
type EventHandlers struct {
	service *service.Service
	logger  *logger.Logger
}

// RegisterEventRoutes wires the SSE routes onto the router.
func RegisterEventRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) *EventHandlers {
	h := &EventHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "sse-handlers")),
	}
	router.GET("/sessions/:id/events", h.sessionEvents)
	router.GET("/events", h.domainEvents)
	return h
}

// sessionEvents streams the events of a single session.
func (h *EventHandlers) sessionEvents(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.service.Store().GetSession(c.Request.Context(), sessionID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	sub := h.service.Bus().SubscribeToSession(sessionID)
	h.stream(c, sub, sessionID, nil)
}

// domainEvents streams events from every session whose page URL is on the
// given host. The subscription is global; filtering happens here because the
// bus doesn't know about session origins.
func (h *EventHandlers) domainEvents(c *gin.Context) {
	domain := c.Query("domain")
	if domain == "" {
		badRequest(c, "domain query parameter is required")
		return
	}
	filter := &domainFilter{
		ctx:    c.Request.Context(),
		store:  h.service.Store(),
		domain: domain,
		hosts:  make(map[string]string),
	}
	sub := h.service.Bus().Subscribe()
	h.stream(c, sub, "", filter.match)
}

// stream writes SSE frames until the client disconnects or the subscription
// is cancelled. Subscribing happens before replay so no event falls in the
// gap between the two; live events already covered by replay are skipped by
// sequence number.
func (h *EventHandlers) stream(c *gin.Context, sub *bus.Subscription, sessionID string, match func(*models.Event) bool) {
	defer sub.Cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	fmt.Fprintf(c.Writer, ": connected\n\n")
	c.Writer.Flush()

	var lastSent int64
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		if since, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastSent = h.replay(c, sessionID, since, match)
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				// Bus shutdown or slow-consumer eviction; the client is
				// expected to reconnect with Last-Event-ID.
				fmt.Fprintf(c.Writer, ": closing\n\n")
				c.Writer.Flush()
				return
			}
			if event.Sequence <= lastSent {
				continue
			}
			if match != nil && !match(event) {
				continue
			}
			if err := writeEventFrame(c.Writer, event); err != nil {
				return
			}
			lastSent = event.Sequence
			c.Writer.Flush()
		case <-ticker.C:
			fmt.Fprintf(c.Writer, ": ping\n\n")
			c.Writer.Flush()
		}
	}
}

// replay writes all retained events after since and returns the highest
// sequence written (or since when nothing matched).
func (h *EventHandlers) replay(c *gin.Context, sessionID string, since int64, match func(*models.Event) bool) int64 {
	events, err := h.service.Store().GetEventsSince(c.Request.Context(), sessionID, since, 0)
	if err != nil {
		h.logger.Warn("event replay failed", zap.Error(err))
		return since
	}
	last := since
	for _, event := range events {
		if match != nil && !match(event) {
			continue
		}
		if err := writeEventFrame(c.Writer, event); err != nil {
			return last
		}
		last = event.Sequence
	}
	c.Writer.Flush()
	return last
}

func writeEventFrame(w http.ResponseWriter, event *models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", event.Type, event.Sequence, data)
	return err
}

// domainFilter matches events against a host, caching the session-URL host
// per session ID for the lifetime of one stream. Sessions with unparseable
// URLs resolve to an empty host and never match.
type domainFilter struct {
	ctx    context.Context
	store  store.Store
	domain string
	hosts  map[string]string
}

func (f *domainFilter) match(event *models.Event) bool {
	host, ok := f.hosts[event.SessionID]
	if !ok {
		host = f.lookupHost(event.SessionID)
		f.hosts[event.SessionID] = host
	}
	return host != "" && host == f.domain
}

func (f *domainFilter) lookupHost(sessionID string) string {
	session, err := f.store.GetSession(f.ctx, sessionID)
	if err != nil {
		return ""
	}
	u, err := url.Parse(session.URL)
	if err != nil {
		return ""
	}
	// Host keeps the port: sessions on localhost:3000 and localhost:3001 are
	// different domains.
	return u.Host
}
