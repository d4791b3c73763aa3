// Package github connects the label engine to GitHub. It provides:
//
// - TokenCache for GitHub App JWTs and per-installation access tokens
// - Client, the rate-limited APIClient backed by go-github
// - Reconciler and MultiReconciler to plan and apply label changes
// - ConfigSource to load label configuration from a repository
// - Error, the structured error every API failure is wrapped into
package github
