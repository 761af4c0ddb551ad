// Package jwt issues and verifies the two signed tokens of the MFA engine:
// short-lived elevation tokens proving a factor was satisfied, and
// long-lived trusted-device tokens. Each token carries a typ claim so one
// kind can never be accepted in place of the other.
package jwt
