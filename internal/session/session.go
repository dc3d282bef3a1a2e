// Package session mirrors connected editor sessions into Redis so that
// operators and sibling services can see who is connected, on which server,
// and which project each session is editing. The in-process hub stays the
// authority; Redis is a best-effort view.
package session
