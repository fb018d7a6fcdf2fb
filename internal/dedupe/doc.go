// Package dedupe provides a seen-set with a time-to-live, used by the
// outbound pipeline to avoid forwarding the same event twice within a window.
package dedupe
