// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"
	"net/http"

	"github.com/mattermost/mattermost/server/public/model"
	"maunium.net/go/mautrix"

	"github.com/aiku/mattermost-mirror/pkg/mirror"
)

// permanentStatus reports whether retrying a request that failed with the
// given HTTP status can never succeed.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusGone,
		http.StatusRequestEntityTooLarge:
		return true
	default:
		return false
	}
}

// accessPending reports whether a send failed because the account cannot
// see the target yet. Channel membership and room joins propagate with a
// delay, so such sends stay retryable.
func accessPending(code int) bool {
	return code == http.StatusForbidden || code == http.StatusNotFound
}

func mattermostStatus(resp *model.Response, err error) int {
	if resp != nil && resp.StatusCode != 0 {
		return resp.StatusCode
	}
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 0
}

// classifyMattermost marks REST errors the engine must not retry.
func classifyMattermost(resp *model.Response, err error) error {
	if err == nil {
		return nil
	}
	if permanentStatus(mattermostStatus(resp, err)) {
		return mirror.Permanent(err)
	}
	return err
}

// classifyMattermostSend is classifyMattermost for post creation, where 403
// and 404 mean the channel is not visible to the account yet.
func classifyMattermostSend(resp *model.Response, err error) error {
	if err != nil && accessPending(mattermostStatus(resp, err)) {
		return err
	}
	return classifyMattermost(resp, err)
}

// classifyMatrix marks client-server API errors the engine must not retry.
func classifyMatrix(err error) error {
	if err == nil {
		return nil
	}
	for _, code := range []mautrix.RespError{
		mautrix.MForbidden,
		mautrix.MNotFound,
		mautrix.MUnknownToken,
		mautrix.MMissingToken,
		mautrix.MBadJSON,
		mautrix.MNotJSON,
	} {
		if errors.Is(err, code) {
			return mirror.Permanent(err)
		}
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil && permanentStatus(httpErr.Response.StatusCode) {
		return mirror.Permanent(err)
	}
	return err
}

// classifyMatrixSend is classifyMatrix for new messages, where M_FORBIDDEN
// and M_NOT_FOUND mean the room is not joined or known yet.
func classifyMatrixSend(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mautrix.MForbidden) || errors.Is(err, mautrix.MNotFound) {
		return err
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil && accessPending(httpErr.Response.StatusCode) {
		return err
	}
	return classifyMatrix(err)
}
