/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

package githubauth

// Option configures a Builder.
type Option func(*Builder)

// WithBaseURL points clients at a GitHub Enterprise Server instance instead
// of api.github.com.
func WithBaseURL(u string) Option {
	return func(b *Builder) {
		b.baseURL = u
	}
}

// WithUploadURL sets the enterprise upload endpoint when it differs from the
// API base URL.
func WithUploadURL(u string) Option {
	return func(b *Builder) {
		b.uploadURL = u
	}
}
