// Package cache memoizes candidate task lists between scheduling requests.
// Entries are short lived and invalidated through the sync bus whenever the
// state of a project changes, so a stale read only costs a failed slot
// acquisition.
package cache
