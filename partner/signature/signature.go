// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package signature implements the canonical request signing scheme the
// partner service verifies. The scheme is byte-exact: any deviation in
// ordering, case or encoding produces a digest the partner rejects.
package signature

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Key is the parameter name carrying the digest. It is never part of
// the signed set.
const Key = "signature"

// JoinMode selects how canonical key=value pairs are joined.
type JoinMode int

const (
	// Compact joins pairs with no separator. Used by the embedded
	// device protocol.
	Compact JoinMode = iota

	// Ampersand joins pairs with "&". Used on all HTTP calls this
	// backend makes.
	Ampersand
)

// Sign produces the 32 character lower-case hex digest for the given
// parameters and secret.
//
// Canonical form: drop any "signature" parameter (case-insensitive),
// lower-case every key and value, sort by key, join key=urlencode(value)
// pairs per mode, append secretkey=<secret>, lower-case the whole string
// and hash it with MD5.
func Sign(params map[string]string, secret string, mode JoinMode) string {
	keys := make([]string, 0, len(params))
	canonical := make(map[string]string, len(params))
	for k, v := range params {
		if strings.EqualFold(k, Key) {
			continue
		}
		lk := strings.ToLower(k)
		canonical[lk] = strings.ToLower(v)
		keys = append(keys, lk)
	}
	sort.Strings(keys)

	sep := ""
	if mode == Ampersand {
		sep = "&"
	}

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(encodeValue(canonical[k]))
	}
	sb.WriteString(sep)
	sb.WriteString("secretkey=")
	sb.WriteString(strings.ToLower(secret))

	digest := md5.Sum([]byte(strings.ToLower(sb.String())))
	return hex.EncodeToString(digest[:])
}

// Verify checks a parameter set that includes a signature value against
// the expected digest for the secret.
func Verify(params map[string]string, secret string, mode JoinMode) bool {
	var got string
	for k, v := range params {
		if strings.EqualFold(k, Key) {
			got = v
		}
	}
	if got == "" {
		return false
	}
	return strings.EqualFold(got, Sign(params, secret, mode))
}

func encodeValue(v string) string {
	if v == "" {
		return ""
	}
	// Match application/x-www-form-urlencoded: spaces become '+'.
	return url.QueryEscape(v)
}
