// Package worker provides the runtimes that back scheduler agents.
//
// Both runtimes implement scheduler.Launcher and scheduler.Executor:
//
//   - PlaywrightRuntime launches one real browser (chromium, firefox, or
//     webkit) per agent through playwright-go and runs each request in a
//     fresh browser context.
//   - SimulatedRuntime runs nothing; it sleeps and rolls dice, for
//     development and load testing without browsers.
//
// # Steps
//
// A request's steps come from its metadata:
//
//	url:   "https://example.com"               # optional leading navigate
//	steps: '[{"action":"fill","selector":"#q","value":"fleet"},
//	         {"action":"click","selector":"button[type=submit]"},
//	         {"action":"wait","selector":"#results"}]'
//
// Invalid steps fail the request with reason execution-failed and the
// parse error in the output.
package worker
