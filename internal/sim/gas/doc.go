// Package gas holds the species registry, gas mixtures and the slot-indexed
// mixture pool shared by every cell.
package gas
