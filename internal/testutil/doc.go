// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing core model objects (sessions,
// work plans, session messages) and polling for asynchronous state. They
// are not intended for production usage.
package testutil
