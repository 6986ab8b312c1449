// Package store defines interfaces for the onboarding data collaborators (user
// lookup and step completion checks). Implementations live in other packages;
// this package must not import database drivers or concrete clients.
package store
