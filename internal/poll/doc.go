// Package poll is the polling coordination engine: a single in-process
// authority driving many independent periodic tasks on one timing substrate.
//
// The Coordinator owns all per-task runtime state. Scheduling is fixed-delay:
// the next cycle is armed only after the current invocation settles, so the
// observed period is the nominal interval plus callback latency, and a given
// task never has two invocations in flight.
//
// The engine knows nothing about what the callbacks do. Collaborators supply
// the callbacks at registration time and drive the engine's reactive surface:
//   - category pause/resume (auth-requiring, health-gated) on sign-in/out and
//     backend outage/recovery
//   - a "regained attention" signal that fires one staggered out-of-cycle
//     invocation per active task
//
// Pause state is a set of reasons rather than a single flag: a task paused by
// both an auth sign-out and a backend outage resumes only after both clear.
package poll
