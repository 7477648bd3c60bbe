// Copyright 2026 The Compass Authors
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

package auth

import "errors"

var (
	// ErrNoCredentials is returned when a request carries neither a bearer
	// token nor an API key.
	ErrNoCredentials = errors.New("auth: no credentials provided")
	// ErrMultipleCredentials is returned when a request carries both
	// credential kinds; ambiguity is rejected rather than resolved.
	ErrMultipleCredentials = errors.New("auth: multiple credentials provided")
	// ErrInvalidToken is returned for malformed, expired or mis-signed
	// bearer tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidKey is returned for unknown, inactive or expired API keys.
	ErrInvalidKey = errors.New("auth: invalid api key")
	// ErrInactiveIdentity is returned when the credential is valid but its
	// principal is deactivated.
	ErrInactiveIdentity = errors.New("auth: identity is inactive")
)
