// Package pwbridge supervises Playwright test runs and captures DevTools
// network traffic for end-to-end test assertions.
package pwbridge

// Version is the pwbridge release version.
const Version = "0.3.0"
