// Package commands holds the cobra commands of the ecity binary.
package commands
