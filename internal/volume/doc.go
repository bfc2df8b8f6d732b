// Package volume provides the output-volume observer registry.
// Observers register a callback and are notified whenever the host audio
// system reports a new output volume. The registry holds observers weakly,
// so an observer that is garbage collected without unregistering is pruned
// instead of being called.
package volume
