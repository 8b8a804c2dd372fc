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

// Package visitor derives a stable, short identifier for the origin of a page
// view. The identifier is used to suppress repeated counting of the same
// visitor within a window; it is not an authentication mechanism.
//
// Resolution order (first non-empty wins):
//
//	user:<id>              authenticated user
//	session:<key>          session cookie
//	ip:<sha256 hex>        first valid (and routable, unless allowed) client IP
//	fallback:<sha256 hex>  user agent + wall-clock bucket of FallbackWindow
//
// The fallback id is stable only inside one bucket; when the bucket flips the
// same browser legitimately gets a new id.
package visitor

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// DefaultFallbackWindow is the width of the time bucket used by the user-agent fallback.
const DefaultFallbackWindow = time.Hour

const (
	prefixUser     = "user:"
	prefixSession  = "session:"
	prefixIP       = "ip:"
	prefixFallback = "fallback:"
)

// Request carries the request facts the identifier looks at. It is decoupled
// from net/http so non-HTTP callers (queues, RPC) can identify visitors too.
type Request struct {
	Authenticated bool
	UserID        string
	SessionKey    string
	// IPCandidates lists client address candidates in priority order
	// (e.g., first X-Forwarded-For hop, X-Real-IP, then the socket peer).
	IPCandidates []string
	UserAgent    string
}

// Options configures an Identifier.
type Options struct {
	// AllowNonRoutable accepts loopback, private and other non-public addresses
	// as client IPs. Useful in development and behind NAT-only deployments.
	AllowNonRoutable bool
	// FallbackWindow is the user-agent bucket width. Zero means DefaultFallbackWindow.
	FallbackWindow time.Duration
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Identifier maps a Request to a visitor id. It is safe for concurrent use.
type Identifier struct {
	allowNonRoutable bool
	window           time.Duration
	now              func() time.Time
}

// New returns an Identifier with defaults applied.
func New(opts Options) *Identifier {
	w := opts.FallbackWindow
	if w <= 0 {
		w = DefaultFallbackWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Identifier{allowNonRoutable: opts.AllowNonRoutable, window: w, now: now}
}

// Identify returns the visitor id for r. It never fails: when nothing else is
// available the fallback id is derived from the (possibly empty) user agent.
func (i *Identifier) Identify(r Request) string {
	if r.Authenticated && r.UserID != "" {
		return prefixUser + r.UserID
	}
	if r.SessionKey != "" {
		return prefixSession + r.SessionKey
	}
	if ip, ok := i.ClientIP(r.IPCandidates); ok {
		return prefixIP + sha256Hex(ip.String())
	}
	return i.fallback(r.UserAgent)
}

// ClientIP returns the first candidate that parses as an IPv4/IPv6 address and
// passes the routability policy.
func (i *Identifier) ClientIP(candidates []string) (netip.Addr, bool) {
	for _, c := range candidates {
		addr, err := netip.ParseAddr(strings.TrimSpace(c))
		if err != nil {
			continue
		}
		addr = addr.Unmap()
		if !i.allowNonRoutable && !IsRoutable(addr) {
			continue
		}
		return addr, true
	}
	return netip.Addr{}, false
}

func (i *Identifier) fallback(userAgent string) string {
	secs := int64(i.window / time.Second)
	if secs <= 0 {
		secs = 1
	}
	bucket := i.now().Unix() / secs
	return prefixFallback + sha256Hex(userAgent+":"+strconv.FormatInt(bucket, 10))
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
