// Package module hosts task modules: it registers their task types with the
// activator and keeps the activator's module set in step with configuration.
package module
