// Package validation checks control API input before it reaches the
// launcher or a worker's argv.
package validation
