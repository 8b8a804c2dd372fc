// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package visitor

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// DefaultSessionCookie matches the cookie name most session frameworks use.
const DefaultSessionCookie = "sessionid"

type ctxKey int

const userCtxKey ctxKey = 1

// WithUser marks the request context as authenticated for userID. Upstream
// authentication middleware calls this; the identifier only reads it.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userCtxKey, userID)
}

// UserFromContext returns the authenticated user id, if any.
func UserFromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(userCtxKey).(string)
	return u, ok && u != ""
}

// FromHTTP extracts a Request from an HTTP request. sessionCookie names the
// session cookie; empty means DefaultSessionCookie.
func FromHTTP(r *http.Request, sessionCookie string) Request {
	if sessionCookie == "" {
		sessionCookie = DefaultSessionCookie
	}
	req := Request{UserAgent: r.UserAgent()}
	if uid, ok := UserFromContext(r.Context()); ok {
		req.Authenticated = true
		req.UserID = uid
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		req.SessionKey = c.Value
	}
	req.IPCandidates = ipCandidates(r)
	return req
}

func ipCandidates(r *http.Request) []string {
	var out []string
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// left-most hop is the original client
		first, _, _ := strings.Cut(xff, ",")
		out = append(out, strings.TrimSpace(first))
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		out = append(out, xr)
	}
	if r.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		out = append(out, host)
	}
	return out
}
