package mdu

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/drover/logger"
	"github.com/teranos/drover/material"
)

// Authorizer decides who may trigger post-commit notifications
type Authorizer interface {
	IsAdmin(user string) bool
}

// AuthorizerFunc adapts a function to Authorizer
type AuthorizerFunc func(user string) bool

func (f AuthorizerFunc) IsAdmin(user string) bool { return f(user) }

// NotifyStatus is the outcome of a post-commit notification
type NotifyStatus int

const (
	NotifyAccepted NotifyStatus = iota
	NotifyBadRequest
	NotifyForbidden
	NotifyNotFound
	NotifyTooManyRequests
)

// HTTPCode maps the status onto an HTTP response code
func (s NotifyStatus) HTTPCode() int {
	switch s {
	case NotifyAccepted:
		return http.StatusAccepted
	case NotifyBadRequest:
		return http.StatusBadRequest
	case NotifyForbidden:
		return http.StatusForbidden
	case NotifyNotFound:
		return http.StatusNotFound
	case NotifyTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s NotifyStatus) String() string {
	switch s {
	case NotifyAccepted:
		return "accepted"
	case NotifyBadRequest:
		return "bad_request"
	case NotifyForbidden:
		return "forbidden"
	case NotifyNotFound:
		return "not_found"
	case NotifyTooManyRequests:
		return "too_many_requests"
	default:
		return "unknown"
	}
}

const (
	MsgUnauthorized    = "Unauthorized to access this API."
	MsgBadRequest      = "The request could not be understood by the server due to malformed syntax. The client SHOULD NOT repeat the request without modifications."
	MsgNotFound        = "Unable to find material. Materials must be configured not to poll for new changes before they can be used with the notification mechanism."
	MsgAccepted        = "The material is now scheduled for an update. Please check relevant pipeline(s) for status."
	MsgTooManyRequests = "Too many post-commit notifications. Please retry later."
)

// NotifyResult is returned to the caller of the post-commit endpoint
type NotifyResult struct {
	Status    NotifyStatus `json:"-"`
	Message   string       `json:"message"`
	Materials []string     `json:"materials,omitempty"`
}

// NotifyMaterialsForUpdate handles an external post-commit notification.
// Matching materials are updated whether or not they auto-update, subject to
// the usual in-progress check.
func (c *Coordinator) NotifyMaterialsForUpdate(ctx context.Context, user string, params map[string]string) NotifyResult {
	if c.auth == nil || !c.auth.IsAdmin(user) {
		return NotifyResult{Status: NotifyForbidden, Message: MsgUnauthorized}
	}

	hookType := strings.ToLower(strings.TrimSpace(params[ParamType]))
	hook, ok := c.hooks[hookType]
	if !ok || !hook.Validate(params) {
		return NotifyResult{Status: NotifyBadRequest, Message: MsgBadRequest}
	}

	if !c.allowNotify(hookType) {
		c.log.Warnw("Post-commit notification rate limited", "type", hookType)
		return NotifyResult{Status: NotifyTooManyRequests, Message: MsgTooManyRequests}
	}

	all, err := c.config.AllMaterials(ctx)
	if err != nil {
		c.log.Errorw("Failed to list materials for post-commit notification", logger.FieldError, err)
		return NotifyResult{Status: NotifyNotFound, Message: MsgNotFound}
	}

	matched := hook.Prune(params, all)
	if len(matched) == 0 {
		return NotifyResult{Status: NotifyNotFound, Message: MsgNotFound}
	}

	names := make([]string, 0, len(matched))
	for _, m := range matched {
		names = append(names, m.DisplayName())
		if _, err := c.updateMaterial(ctx, m, TriggerNotify); err != nil {
			c.log.Errorw("Failed to schedule notified material",
				logger.FieldMaterial, m.DisplayName(),
				logger.FieldError, err)
		}
	}

	c.log.Infow("Post-commit notification accepted",
		"type", hookType,
		logger.FieldCount, len(matched),
		"user", user)
	return NotifyResult{Status: NotifyAccepted, Message: MsgAccepted, Materials: names}
}

func (c *Coordinator) allowNotify(hookType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.notifyPerMinute <= 0 {
		return true
	}
	lim, ok := c.limiters[hookType]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.notifyPerMinute)), c.notifyPerMinute)
		c.limiters[hookType] = lim
	}
	return lim.AllowN(c.timeNow(), 1)
}

// UpdateMaterials requests updates for several materials, returning how many were posted
func (c *Coordinator) UpdateMaterials(ctx context.Context, materials []material.Material) int {
	posted := 0
	for _, m := range materials {
		ok, err := c.updateMaterial(ctx, m, TriggerManual)
		if err != nil {
			c.log.Errorw("Failed to schedule material update",
				logger.FieldMaterial, m.DisplayName(),
				logger.FieldError, err)
			continue
		}
		if ok {
			posted++
		}
	}
	return posted
}
