// Package logtap is an asynchronous log-event correlation engine over a
// live-tailed, line-oriented device log stream.
//
// A Publisher owns one background reader per stream, parses each appended
// line into an immutable Record and fans it out to subscribers in
// registration order. Two subscriber kinds exist:
//   - EventSubscriber, a single-shot latch triggering on the first record
//     that passes a {tag glob, minimum level, message regex} filter
//   - ResponseSubscriber, which reassembles multi-line framed command
//     replies (data lines + one status line) out of interleaved traffic
//
// Both expose a wait-with-timeout contract, so test and controller code
// can block on asynchronous device behavior instead of polling. Parsers
// for the two supported line formats (firmware serial captures with
// continuation lines, fixed-field system logs) live here as well.
package logtap
