// Package task holds the domain types shared by the scheduling subsystem:
// descriptors, history rows, run outcomes, the handler contract and the error taxonomy.
package task
