// Package iox provides small I/O cleanup helpers.
package iox

import "io"

// DiscardClose closes c, dropping the error. For defer sites where a close
// failure is unactionable (response bodies, test fixtures):
//
//	defer iox.DiscardClose(resp.Body)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc wraps c for t.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(st))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}
